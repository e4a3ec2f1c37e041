// Package registry maps task resource schemes to runners.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dukex/flowrun/pkg/protocol"
)

const schemeSeparator = "://"

var ErrUnknownScheme = errors.New("unknown resource scheme")

// Registry is built at startup and read-only afterwards.
type Registry struct {
	logger  *slog.Logger
	runners map[string]protocol.Runner
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:  log,
		runners: make(map[string]protocol.Runner),
	}
}

// Register binds a scheme such as "builtin" or "docker" to a runner.
func (r *Registry) Register(scheme string, runner protocol.Runner) {
	r.runners[scheme] = runner
	r.logger.Debug("Registered runner", slog.String("scheme", scheme))
}

// Scheme extracts the scheme of a resource identifier.
func Scheme(resource string) (string, error) {
	scheme, _, found := strings.Cut(resource, schemeSeparator)
	if !found || scheme == "" {
		return "", fmt.Errorf("%w: resource %q has no scheme", ErrUnknownScheme, resource)
	}

	return scheme, nil
}

// ForResource returns the runner for a resource identifier.
func (r *Registry) ForResource(resource string) (protocol.Runner, error) {
	scheme, err := Scheme(resource)
	if err != nil {
		return nil, err
	}

	runner, ok := r.runners[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: '%s' not registered", ErrUnknownScheme, scheme)
	}

	return runner, nil
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	schemes := make([]string, 0, len(r.runners))
	for scheme := range r.runners {
		schemes = append(schemes, scheme)
	}

	sort.Strings(schemes)

	return schemes
}
