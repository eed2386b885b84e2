package sessions

// Predicate selects the sessions a broadcast is delivered to.
type Predicate func(*Session) bool

// All matches every session.
func All() Predicate {
	return func(*Session) bool { return true }
}

// ByClient matches the sessions of one client identifier.
func ByClient(clientID string) Predicate {
	return func(s *Session) bool { return s.clientID == clientID }
}

// Subscribed matches sessions subscribed to topic.
func Subscribed(topic string) Predicate {
	return func(s *Session) bool { return s.IsSubscribed(topic) }
}

func Not(p Predicate) Predicate {
	return func(s *Session) bool { return !p(s) }
}
