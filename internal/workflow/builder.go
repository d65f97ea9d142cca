package workflow

import "time"

// Builder composes a Definition step by step.
//
//	def, err := workflow.New("hello_world").
//		Schedule("@daily").
//		StartAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)).
//		Task("say_hello", sayHello).
//		Build()
type Builder struct {
	def Definition
}

func New(id string) *Builder {
	return &Builder{def: Definition{ID: id}}
}

func (b *Builder) Schedule(rule string) *Builder   { b.def.Schedule = rule; return b }
func (b *Builder) StartAt(t time.Time) *Builder     { b.def.Start = t; return b }
func (b *Builder) CatchUp(on bool) *Builder         { b.def.CatchUp = on; return b }
func (b *Builder) Owner(owner string) *Builder      { b.def.Owner = owner; return b }
func (b *Builder) Description(desc string) *Builder { b.def.Description = desc; return b }
func (b *Builder) Tags(tags ...string) *Builder {
	b.def.Tags = append(b.def.Tags, tags...)
	return b
}
func (b *Builder) MaxAttempts(n int) *Builder          { b.def.MaxAttempts = n; return b }
func (b *Builder) RetryDelay(d time.Duration) *Builder { b.def.RetryDelay = d; return b }
func (b *Builder) Timeout(d time.Duration) *Builder    { b.def.Timeout = d; return b }

// Task sets the single task. Calling it twice replaces the previous task.
func (b *Builder) Task(id string, action Action) *Builder {
	b.def.Task = TaskSpec{ID: id, Action: action}
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (Definition, error) {
	def := b.def.clone()
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// MustBuild is Build for package-level declarations; it panics on error.
func (b *Builder) MustBuild() Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
