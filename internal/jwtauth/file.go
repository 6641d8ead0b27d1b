package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/golang-jwt/jwt/v5"
)

// NewFromFile verifies assertions against the JWKS document at path. The
// containing directory is watched and the key set is swapped whenever the
// file is written or replaced. A document that fails to parse leaves the
// previous key set in place.
func NewFromFile(ctx context.Context, cfg *Config, path string) (*Verifier, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New("jwks file required")
	}
	path = filepath.Clean(path)

	var current atomic.Pointer[keyfunc.Keyfunc]
	kf, err := loadJWKSFile(path)
	if err != nil {
		return nil, err
	}
	current.Store(&kf)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("jwks watcher: %w", err)
	}
	// Watch the directory so editors and secret mounts that replace the
	// file by rename are still observed.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("jwks watch %s: %w", path, err)
	}

	log := cfg.Logger.With(slog.String("jwks_file", path))
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				next, err := loadJWKSFile(path)
				if err != nil {
					log.WarnContext(ctx, "jwks.reload.fail", slog.String("err", err.Error()))
					continue
				}
				current.Store(&next)
				log.InfoContext(ctx, "jwks.reload.ok")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "jwks.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()

	v := newVerifier(cfg, func(t *jwt.Token) (any, error) {
		return (*current.Load()).Keyfunc(t)
	})
	v.closers = append(v.closers, func() error {
		cancel()
		err := w.Close()
		<-done
		return err
	})
	return v, nil
}

func loadJWKSFile(path string) (keyfunc.Keyfunc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwks file: %w", err)
	}
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jwks file: %w", err)
	}
	return kf, nil
}
