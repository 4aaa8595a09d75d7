package kiln

import (
	"errors"
	"fmt"
)

// Upgrade removes name if it is installed and installs it again from the
// current recipe.
func (e *Engine) Upgrade(name string) error {
	if e.manifest.Has(name) {
		res, err := e.Remove(name)
		if err != nil {
			return fmt.Errorf("upgrade %s: %w", name, err)
		}
		if !res.OK() {
			e.out.warn("%d paths of %s could not be removed", len(res.Failed), name)
		}
	}
	return e.Install(name)
}

// UpgradeAll upgrades every recorded package in sorted name order. There is
// no dependency-aware ordering: a dependency may be reinstalled after the
// packages built against it. Per-package failures are collected; a cycle or a
// manifest failure stops the run.
func (e *Engine) UpgradeAll() error {
	var errs []error
	for _, name := range e.manifest.Names() {
		err := e.Upgrade(name)
		if err == nil {
			continue
		}
		if isStructural(err) {
			return errors.Join(append(errs, err)...)
		}
		e.out.errorf("%v", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
