package table

import (
	"html/template"
	"strings"

	"dicehall.gg/internal/dice"
	"dicehall.gg/internal/roll"
)

// Markup contract: fresh renders and later re-binds both locate their output
// strictly by these class names. Renames break every stored transcript.
const (
	classContainer   = "dicehall-roll"
	classOriginalRow = "dice-row original"
	classConfirmHead = "confirm-header"
	classConfirmRow  = "dice-row confirms"
	classActionsRow  = "roll-actions"
)

var rollTmpl = template.Must(template.New("roll").Parse(`<div class="dicehall-roll" data-message-id="{{.MsgID}}" data-keyword="{{.Keyword}}">
<ol class="dice-row original">
{{- range .Dice}}
<li class="die{{if .Active}} active{{end}}{{if .Faded}} faded{{end}}{{if .Burned}} burned{{end}}"><img src="icons/d6-{{.Value}}.svg" alt="d6 showing {{.Value}}">{{if .Delta}}<span class="delta-badge">+{{.Delta}}</span>{{end}}</li>
{{- end}}
</ol>
{{- if .Confirms}}
<h4 class="confirm-header">Confirmation</h4>
<ol class="dice-row confirms">
{{- range .Confirms}}
<li class="die confirm"><img src="icons/d6-{{.Value}}.svg" alt="d6 showing {{.Value}}">{{if .Delta}}<span class="delta-badge">+{{.Delta}}</span>{{end}}</li>
{{- end}}
</ol>
{{- end}}
{{- if .ShowButtons}}
<div class="roll-actions">
{{- if .CanBuff}}
<button class="buff" data-action="BUFF">+1</button>
{{- end}}
{{- if .CanConfirm}}
<button class="confirm" data-action="CONFIRM">Confirm</button>
{{- end}}
{{- if .CanBurn}}
<button class="burn" data-action="BURN">Burn a 1</button>
{{- end}}
</div>
{{- end}}
</div>`))

type dieView struct {
	Value  int
	Delta  int
	Active bool
	Faded  bool
	Burned bool
}

type confirmView struct {
	Value int
	Delta int
}

type rollView struct {
	MsgID       string
	Keyword     string
	Dice        []dieView
	Confirms    []confirmView
	ShowButtons bool
	CanBuff     bool
	CanConfirm  bool
	CanBurn     bool
}

// renderRoll produces the chat markup for one roll: the original-dice row,
// the confirmation section when confirmations exist, and the action buttons
// row unless the viewer may not write or the roll is an uncriticalizable
// all-ones case.
func renderRoll(msgID string, st *roll.State, parsed dice.ParsedRoll, withButtons bool) (string, error) {
	view := rollView{
		MsgID:   msgID,
		Keyword: st.Keyword,
	}
	for i, d := range parsed.Dice {
		view.Dice = append(view.Dice, dieView{
			Value:  d.Value,
			Delta:  st.DeltaDice[i],
			Active: d.Highlighted,
			Faded:  d.Faded,
			Burned: st.BurnedOnes[i],
		})
	}
	for _, c := range st.Confirmations {
		view.Confirms = append(view.Confirms, confirmView{Value: c.Value + c.Delta, Delta: c.Delta})
	}

	rule := parsed.Rule
	uncriticalizable := st.AllOnes() && !rule.AllowBurnOnes

	canBuff := parsed.CanSpendForBonus
	if n := len(st.Confirmations); n > 0 {
		c := st.Confirmations[n-1]
		canBuff = dice.SpendEligible(rule, c.Value+c.Delta)
	}
	canBurn := rule.AllowBurnOnes && st.HasUnburnedOne()

	view.CanBuff = canBuff
	view.CanConfirm = parsed.CanConfirm
	view.CanBurn = canBurn
	view.ShowButtons = withButtons && !uncriticalizable && (canBuff || parsed.CanConfirm || canBurn)

	var b strings.Builder
	if err := rollTmpl.Execute(&b, view); err != nil {
		return "", err
	}
	return b.String(), nil
}
