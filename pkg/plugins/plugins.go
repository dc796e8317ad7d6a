// Package plugins wires the built-in steps into a registry.
package plugins

import (
	"time"

	"github.com/ngld/stylebuild/pkg/buildsys"
	"github.com/ngld/stylebuild/pkg/plugins/cssmin"
	"github.com/ngld/stylebuild/pkg/plugins/sass"
	"github.com/ngld/stylebuild/pkg/plugins/watch"
)

// NewRegistry returns a registry with the sass, cssmin and watch plugins. debounce is the default window
// for watch targets.
func NewRegistry(debounce time.Duration) *buildsys.MapRegistry {
	registry := buildsys.NewMapRegistry()
	registry.Register("sass", sass.New())
	registry.Register("cssmin", cssmin.New())
	registry.Register("watch", watch.New(debounce))
	return registry
}
