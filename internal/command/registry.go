package command

import (
	"context"
	"fmt"
	"sort"
)

// Handler categories reported in the catalog.
const (
	CategoryPlayer      = "Player"
	CategoryItems       = "Items"
	CategoryGame        = "Game"
	CategoryMonsters    = "Monsters"
	CategoryTeleporter  = "Teleporter"
	CategorySpawning    = "Spawning"
	CategoryDebug       = "Debug"
	CategoryPermissions = "Permissions"
	CategoryOther       = "Other"
)

type Handler func(ctx context.Context, cmd Command) error

type Entry struct {
	Name        string
	Category    string
	Description string
	Handler     Handler
}

// Registry maps normalized command names to handlers. It is filled once at
// startup and only read afterwards.
type Registry struct {
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

func (r *Registry) Register(e Entry) error {
	name := NormalizeName(e.Name)
	if name == "" {
		return ErrMissingName
	}
	if e.Handler == nil {
		return fmt.Errorf("register %s: nil handler", name)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("register %s: already registered", name)
	}
	e.Name = name
	if e.Category == "" {
		e.Category = CategoryOther
	}
	r.entries[name] = e
	return nil
}

func (r *Registry) MustRegister(entries ...Entry) {
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[NormalizeName(name)]
	return e, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// List returns every entry sorted by name.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Names() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.Name
	}
	return out
}
