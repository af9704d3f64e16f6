package model

// Assembly step numbers in the robot recipe. Steps advance in increments of
// ten so intermediate steps can be inserted without renumbering.
const (
	StepBottomCasing     = 10
	StepBottomSpacer     = 20
	StepAnodeUp          = 30
	StepCathodeUp        = 40
	StepElectrolyteFirst = 50
	StepSeparator        = 60
	StepElectrolyteLast  = 70
	StepAnodeDown        = 80
	StepCathodeDown      = 90
	StepTopSpacer        = 100
	StepSpring           = 110
	StepTopCasing        = 120
	StepPress            = 130
	StepReturn           = 140
)

// StepOrder lists the step numbers in execution order.
var StepOrder = []int{
	StepBottomCasing, StepBottomSpacer, StepAnodeUp, StepCathodeUp,
	StepElectrolyteFirst, StepSeparator, StepElectrolyteLast, StepAnodeDown,
	StepCathodeDown, StepTopSpacer, StepSpring, StepTopCasing,
	StepPress, StepReturn,
}

// StepInfo names an assembly step for reporting and export.
type StepInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// StepDefinitions maps step numbers to their names and descriptions,
// matching the current robot recipe.
var StepDefinitions = map[int]StepInfo{
	StepBottomCasing:     {"Bottom", "Place the bottom casing"},
	StepBottomSpacer:     {"Spacer", "Place the bottom spacer"},
	StepAnodeUp:          {"Anode", "Place the anode face up"},
	StepCathodeUp:        {"Cathode", "Place the cathode face up"},
	StepElectrolyteFirst: {"Electrolyte", "Add the electrolyte before the separator"},
	StepSeparator:        {"Separator", "Place the separator"},
	StepElectrolyteLast:  {"Electrolyte", "Add the electrolyte after the separator"},
	StepAnodeDown:        {"Anode", "Place the anode face down"},
	StepCathodeDown:      {"Cathode", "Place the cathode face down"},
	StepTopSpacer:        {"Spacer", "Place the top spacer"},
	StepSpring:           {"Spring", "Place the spring"},
	StepTopCasing:        {"Top", "Place the top casing"},
	StepPress:            {"Press", "Press the cell using 7.8 kN hydraulic press"},
	StepReturn:           {"Return", "Return the completed cell to the rack"},
}
