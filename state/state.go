//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package state persists the daemon's RuntimeState as a single JSON
// document and reloads it on the next invocation. Writes are strict
// encoding/json; reads go through hujson first so a state file hand-
// edited for debugging (trailing commas, a `// note` line) still
// loads. Grounded in Hymo's core/state.cpp.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tailscale/hujson"

	"github.com/hymo-project/hymofsd/domain"
)

// Service implements domain.StateServiceIface. Lock guards against a
// concurrent hot-operation Save racing a status-query Load within the
// same process; it says nothing about other processes touching the
// same file.
type Service struct {
	sync.Mutex

	Log *logrus.Logger
}

// New returns a Service logging through log (or the standard logger
// if nil).
func New(log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{Log: log}
}

var _ domain.StateServiceIface = (*Service)(nil)

// Save writes s to path as canonical, indented JSON, creating parent
// directories as needed.
func (svc *Service) Save(path string, s *domain.RuntimeState) error {
	svc.Lock()
	defer svc.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return domain.Errorf(domain.ErrStateFailed, "mkdir(%s)", filepath.Dir(path), err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return domain.Errorf(domain.ErrStateFailed, "marshal runtime state", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return domain.Errorf(domain.ErrStateFailed, "write(%s)", path, err)
	}

	return nil
}

// Load reads and parses path, returning a zero-valued RuntimeState
// (not an error) if the file does not exist yet — matching the
// original's "no prior state" convention at first boot. Parsing goes
// through hujson.Standardize before encoding/json.Unmarshal, so
// trailing commas and comments in a hand-edited file are tolerated;
// unknown keys are always ignored by encoding/json regardless.
func (svc *Service) Load(path string) (*domain.RuntimeState, error) {
	svc.Lock()
	defer svc.Unlock()

	s := domain.NewRuntimeState()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, domain.Errorf(domain.ErrStateFailed, "read(%s)", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		svc.Log.WithError(err).WithField("path", path).Warn("state: malformed runtime state file, returning defaults")
		return domain.NewRuntimeState(), nil
	}

	if err := json.Unmarshal(standardized, s); err != nil {
		svc.Log.WithError(err).WithField("path", path).Warn("state: unparseable runtime state file, returning defaults")
		return domain.NewRuntimeState(), nil
	}

	if s.OverlayModuleIds == nil {
		s.OverlayModuleIds = []string{}
	}
	if s.MagicModuleIds == nil {
		s.MagicModuleIds = []string{}
	}
	if s.HymofsModuleIds == nil {
		s.HymofsModuleIds = []string{}
	}
	if s.ActiveMounts == nil {
		s.ActiveMounts = []string{}
	}

	return s, nil
}
