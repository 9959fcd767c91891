// This file is part of tunmesh, a peer-to-peer IP tunnel daemon core.
//
// tunmesh is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// tunmesh is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package config

import (
	"encoding/json"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/bfix/gospel/logger"
)

// Environ holds the string substitutions applied to every string field in
// Config via the ${VAR} syntax.
type Environ map[string]string

// Config is the aggregated tunmesh configuration.
type Config struct {
	Env Environ `json:"environ"`

	// Unchanged core parameters (spec.md §6 entry point arguments).
	TunDevice     string `json:"tunDevice"`
	SelfAddrV4    string `json:"selfAddrV4"`
	SelfAddrV6    string `json:"selfAddrV6"`
	ListenPort    int    `json:"listenPort"`
	PeerFile      string `json:"peerFile"`
	AddressSet    string `json:"addressSet"`

	// Ambient/observability additions (SPEC_FULL.md §6 expansion).
	ControlAddr   string `json:"controlAddr"`   // empty disables the control/metrics HTTP surface
	StatsDBPath   string `json:"statsDbPath"`   // empty disables stats persistence
	StatsInterval int    `json:"statsInterval"` // seconds; default 30 if zero
	LogLevel      int    `json:"logLevel"`      // gospel/logger level (logger.ERROR..logger.DBGALL)
}

var (
	// Cfg is the global configuration, set by Parse.
	Cfg *Config
)

// Parse reads a JSON-encoded configuration file, applies ${VAR}
// substitutions from its "environ" block, and fills in defaults.
func Parse(fileName string) error {
	file, err := os.ReadFile(fileName)
	if err != nil {
		return err
	}
	cfg := new(Config)
	if err := json.Unmarshal(file, cfg); err != nil {
		return err
	}
	applySubstitutions(cfg, cfg.Env)
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = 30
	}
	Cfg = cfg
	return nil
}

var rxSubst = regexp.MustCompile(`\$\{([^\}]*)\}`)

// substString replaces every ${NAME} occurrence in s with env[NAME],
// leaving unmatched references untouched.
func substString(s string, env map[string]string) string {
	matches := rxSubst.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) == 0 {
			continue
		}
		if v, ok := env[m[1]]; ok {
			s = strings.Replace(s, "${"+m[1]+"}", v, -1)
		}
	}
	return s
}

// applySubstitutions walks x (expected to be a *Config or similarly
// shaped struct pointer) via reflection, substituting ${VAR} references
// in every settable string field.
func applySubstitutions(x interface{}, env map[string]string) {
	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if !fld.CanSet() {
				continue
			}
			switch fld.Kind() {
			case reflect.String:
				s := fld.String()
				for {
					s1 := substString(s, env)
					if s1 == s {
						break
					}
					logger.Printf(logger.DBG, "[config] %s --> %s\n", s, s1)
					s = s1
				}
				fld.SetString(s)
			case reflect.Struct:
				process(fld)
			}
		}
	}
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		process(v)
	}
}
