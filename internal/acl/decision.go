package acl

// Decision is the result of resolving a card against a tool.
type Decision int

const (
	Unknown Decision = iota
	Denied
	GrantedUser
	GrantedMaintainer
)

// Code is the integer sent to nodes: -1 unknown, 0 denied, 1 user, 2 maintainer.
func (d Decision) Code() int {
	switch d {
	case Denied:
		return 0
	case GrantedUser:
		return 1
	case GrantedMaintainer:
		return 2
	}
	return -1
}

func (d Decision) String() string {
	switch d {
	case Denied:
		return "denied"
	case GrantedUser:
		return "user"
	case GrantedMaintainer:
		return "maintainer"
	}
	return "unknown"
}

// Allowed reports whether the card may operate the tool.
func (d Decision) Allowed() bool { return d == GrantedUser || d == GrantedMaintainer }

func decisionFor(l Level) Decision {
	switch l {
	case LevelUser:
		return GrantedUser
	case LevelMaintainer:
		return GrantedMaintainer
	}
	return Denied
}

// Outcome is the result of a mutating request.
type Outcome int

const (
	Refused Outcome = iota
	OK
)

// Code is the integer sent to nodes: 0 refused, 1 ok.
func (o Outcome) Code() int {
	if o == OK {
		return 1
	}
	return 0
}

func (o Outcome) String() string {
	if o == OK {
		return "ok"
	}
	return "refused"
}
