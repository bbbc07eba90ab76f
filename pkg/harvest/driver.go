package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/entrhq/calcharvest/pkg/browser"
	"github.com/entrhq/calcharvest/pkg/export"
	"github.com/entrhq/calcharvest/pkg/locator"
	"github.com/entrhq/calcharvest/pkg/logging"
	"github.com/entrhq/calcharvest/pkg/wizard"
)

// Driver is a live session positioned at the region step.
type Driver interface {
	// Regions reads the region list offered by the calculator.
	Regions(ctx context.Context) ([]string, error)
	// Measure processes one entity and returns to the region step.
	Measure(ctx context.Context, entity string, magnitudes []float64) (wizard.Outcome, error)
	// Capture saves a screenshot and DOM dump named label into dir.
	Capture(ctx context.Context, dir, label string) ([]string, error)
	Close() error
}

// Factory opens drivers.
type Factory interface {
	Open(ctx context.Context, name string) (Driver, error)
}

// NavigatorFactory opens browser pages and walks each to the region step.
type NavigatorFactory struct {
	Opener  browser.Opener
	Locator *locator.Locator
	Config  wizard.Config
	Log     *logging.Logger
}

// Open allocates a page, enters the calculator and selects mode and category.
func (f *NavigatorFactory) Open(ctx context.Context, name string) (Driver, error) {
	log := f.Log
	if log == nil {
		log = logging.Discard()
	}
	page, err := f.Opener.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open page %s: %w", name, err)
	}
	nav, err := wizard.NewNavigator(page, f.Locator, f.Config, log.With(name))
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	if err := nav.Enter(ctx); err != nil {
		_ = page.Close()
		return nil, err
	}
	nav.SelectMode(ctx)
	nav.SelectCategory(ctx)
	if err := nav.Lost(); err != nil {
		_ = page.Close()
		return nil, &wizard.NavigationFault{Step: "open", Err: err}
	}
	return &navigatorDriver{nav: nav, page: page}, nil
}

type navigatorDriver struct {
	nav  *wizard.Navigator
	page browser.Page
}

func (d *navigatorDriver) Regions(ctx context.Context) ([]string, error) {
	return d.nav.Regions(ctx)
}

func (d *navigatorDriver) Measure(ctx context.Context, entity string, magnitudes []float64) (wizard.Outcome, error) {
	return d.nav.Measure(ctx, entity, magnitudes)
}

func (d *navigatorDriver) Capture(ctx context.Context, dir, label string) ([]string, error) {
	var paths []string
	var errs []error

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	shot := filepath.Join(dir, label+".png")
	if err := d.page.Screenshot(ctx, shot); err != nil {
		errs = append(errs, fmt.Errorf("screenshot: %w", err))
	} else {
		paths = append(paths, shot)
	}

	html, err := d.page.Root().Snapshot(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("snapshot: %w", err))
	} else {
		dump := filepath.Join(dir, label+".html")
		err := export.WriteFileAtomic(dump, func(w io.Writer) error {
			_, err := io.WriteString(w, html)
			return err
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			paths = append(paths, dump)
		}
	}
	return paths, errors.Join(errs...)
}

func (d *navigatorDriver) Close() error {
	return d.page.Close()
}
