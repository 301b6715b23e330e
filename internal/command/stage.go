package command

// Trigger names the point of a test's lifecycle a stage is bound to.
type Trigger string

const (
	PreTask    Trigger = "pre_task"
	PreTest    Trigger = "pre_test"
	PostTest   Trigger = "post_test"
	PostTask   Trigger = "post_task"
	DuringTest Trigger = "during_test"
	Inbound    Trigger = "inbound"
)

// Stage is an ordered list of specs bound to one trigger.
type Stage struct {
	Trigger Trigger
	Specs   []Spec
}

// Stages is the command-spec source: ordered stage lists keyed by trigger name.
type Stages map[Trigger][]Spec

func (s Stages) Stage(t Trigger) Stage {
	return Stage{Trigger: t, Specs: s[t]}
}
