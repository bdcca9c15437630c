package auth

// Event is an auth state change notification. The set of implementations is closed;
// handlers switch on the concrete type.
type Event interface {
	isAuthEvent()
	// EventSession returns the session attached to the event, if any.
	EventSession() *Session
}

// InitialSession is emitted once the first session lookup of a client has settled.
// Session is nil when the client is signed out.
type InitialSession struct{ Session *Session }

// SignedIn is emitted after an explicit credential sign-in.
type SignedIn struct{ Session Session }

// SignedOut is emitted after sign-out or credential purge.
type SignedOut struct{ Reason FailureKind }

// TokenRefreshed is emitted when a refresh token was exchanged for new tokens.
type TokenRefreshed struct{ Session Session }

// UserUpdated is emitted when profile data attached to the session changed.
type UserUpdated struct{ Session Session }

func (InitialSession) isAuthEvent() {}
func (SignedIn) isAuthEvent()       {}
func (SignedOut) isAuthEvent()      {}
func (TokenRefreshed) isAuthEvent() {}
func (UserUpdated) isAuthEvent()    {}

func (e InitialSession) EventSession() *Session { return e.Session }
func (e SignedIn) EventSession() *Session       { return &e.Session }
func (SignedOut) EventSession() *Session        { return nil }
func (e TokenRefreshed) EventSession() *Session { return &e.Session }
func (e UserUpdated) EventSession() *Session    { return &e.Session }

// EventHandler receives auth events.
type EventHandler func(Event)
