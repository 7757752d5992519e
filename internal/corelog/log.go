// SPDX-FileCopyrightText: © 2024 pairwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package corelog provides the leveled logging backend shared by every
// component of the pairwire core (relay, sequence controllers, store).
package corelog

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

type discardCloser struct {
	io.WriteCloser
	discard io.Writer
}

func (d *discardCloser) Close() error {
	return nil
}

func newDiscardCloser() *discardCloser {
	d := new(discardCloser)
	d.discard = ioutil.Discard
	return d
}

// Backend is a log backend shared by all modules that call GetLogger.
type Backend struct {
	logging.LeveledBackend
	sync.RWMutex

	_backend logging.LeveledBackend
	w        io.WriteCloser

	file    string
	level   string
	disable bool
}

// Log implements the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b._backend.Log(level, calldepth, record)
}

// GetLevel returns the logging level for the specified module.
func (b *Backend) GetLevel(level string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b._backend.GetLevel(level)
}

// SetLevel sets the logging level for the specified module.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b._backend.SetLevel(level, module)
}

// IsEnabledFor returns true if the logger is enabled for the given level.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b._backend.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Rotate reopens the log file, for use on SIGHUP-driven log rotation.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.newBackend()
}

func (b *Backend) newBackend() error {
	lvl, err := logLevelFromString(b.level)
	if err != nil {
		return err
	}

	if b.disable {
		b.w = newDiscardCloser()
	} else if b.file == "" {
		b.w = nopCloser{os.Stdout}
	} else {
		const fileMode = 0600
		flags := os.O_CREATE | os.O_APPEND | os.O_WRONLY
		b.w, err = os.OpenFile(b.file, flags, fileMode)
		if err != nil {
			return fmt.Errorf("corelog: failed to create log file: %v", err)
		}
	}

	logFmt := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logFmt)
	b._backend = logging.AddModuleLevel(formatted)
	b._backend.SetLevel(lvl, "")
	return nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// New initializes a logging backend writing to f (or stdout if f is empty)
// at the given level, or discards everything if disable is true.
func New(f string, level string, disable bool) (*Backend, error) {
	b := new(Backend)
	b.file = f
	b.level = level
	b.disable = disable
	if err := b.newBackend(); err != nil {
		return nil, err
	}
	return b, nil
}

func logLevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("corelog: invalid level: '%v'", l)
	}
}
