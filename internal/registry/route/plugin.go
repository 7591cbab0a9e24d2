package route

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/conflict/policy"
	"github.com/chirino/memory-sync/internal/replica"
	"github.com/gin-gonic/gin"
)

// Deps are what route plugins serve. Management routes may receive an
// empty Deps.
type Deps struct {
	Replica *replica.Replica
	Config  *config.Config
	Policy  *policy.Engine
}

// ErrNoReplica is returned by main route loaders mounted without a replica.
var ErrNoReplica = errors.New("route plugin needs a replica")

// Loader mounts a plugin's routes.
type Loader func(r *gin.Engine, deps Deps) error

// Type picks the server a plugin's routes belong to.
type Type int

const (
	// Main routes serve the replica API.
	Main Type = iota
	// Management routes (health, metrics) go to the management listener
	// when one is configured and to the main router otherwise.
	Management
)

type Plugin struct {
	Name   string
	Order  int
	Type   Type
	Loader Loader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names lists the plugins of type t in mount order.
func Names(t Type) []string {
	var names []string
	for _, p := range ordered(t) {
		names = append(names, p.Name)
	}
	return names
}

func ordered(t Type) []Plugin {
	var out []Plugin
	for _, p := range plugins {
		if p.Type == t {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	return out
}

// Mount mounts every plugin of type t on r.
func Mount(r *gin.Engine, t Type, deps Deps) error {
	for _, p := range ordered(t) {
		if err := p.Loader(r, deps); err != nil {
			return fmt.Errorf("mount %s routes: %w", p.Name, err)
		}
	}
	return nil
}
