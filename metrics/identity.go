package metrics

import "fmt"

// Scope optionally narrows a metric to one unit of work. The zero Scope is absent, which is a
// different key from a present empty-string scope.
type Scope struct {
	Value string
	Set   bool
}

// NoScope is the absent scope.
var NoScope = Scope{}

// ScopeOf returns a present scope, possibly empty.
func ScopeOf(v string) Scope {
	return Scope{Value: v, Set: true}
}

// ScopeFromPtr maps nil to the absent scope.
func ScopeFromPtr(p *string) Scope {
	if p == nil {
		return NoScope
	}
	return ScopeOf(*p)
}

// Ptr returns nil for the absent scope.
func (s Scope) Ptr() *string {
	if !s.Set {
		return nil
	}
	v := s.Value
	return &v
}

// Identity keys an aggregate. It is comparable and used directly as a map key.
type Identity struct {
	Name  string
	Scope Scope
}

// Unscoped returns the process-wide identity for name.
func Unscoped(name string) Identity {
	return Identity{Name: name}
}

// Scoped returns the identity of name within scope.
func Scoped(name, scope string) Identity {
	return Identity{Name: name, Scope: ScopeOf(scope)}
}

// Validate reports malformed identities with ErrConfiguration.
func (id Identity) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("%w: metric name is empty", ErrConfiguration)
	}
	return nil
}

func (id Identity) String() string {
	if !id.Scope.Set {
		return id.Name
	}
	return fmt.Sprintf("%s[%q]", id.Name, id.Scope.Value)
}

// less orders identities by name, then absent scope before any present scope.
func (id Identity) less(o Identity) bool {
	if id.Name != o.Name {
		return id.Name < o.Name
	}
	if id.Scope.Set != o.Scope.Set {
		return !id.Scope.Set
	}
	return id.Scope.Value < o.Scope.Value
}
