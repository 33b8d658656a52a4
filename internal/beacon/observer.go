package beacon

// Observer receives connection events. Callbacks run on the goroutine that
// caused the transition and must not block for long.
type Observer interface {
	ConnectionSucceeded()
	// ConnectionFailed is called once per failed attempt; the final call
	// carries the terminal reason.
	ConnectionFailed(err error)
	ConnectionDropped(err error)
	MotionStateChanged(moving bool)
}

// ObserverFuncs adapts optional callbacks to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnSucceeded func()
	OnFailed    func(err error)
	OnDropped   func(err error)
	OnMotion    func(moving bool)
}

func (o ObserverFuncs) ConnectionSucceeded() {
	if o.OnSucceeded != nil {
		o.OnSucceeded()
	}
}

func (o ObserverFuncs) ConnectionFailed(err error) {
	if o.OnFailed != nil {
		o.OnFailed(err)
	}
}

func (o ObserverFuncs) ConnectionDropped(err error) {
	if o.OnDropped != nil {
		o.OnDropped(err)
	}
}

func (o ObserverFuncs) MotionStateChanged(moving bool) {
	if o.OnMotion != nil {
		o.OnMotion(moving)
	}
}
