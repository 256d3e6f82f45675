// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configutil loads YAML configuration files, resolving an optional
// "extends" base file and validating the result against "validate:" struct
// tags.
package configutil

import (
	"errors"
	"fmt"
	"io/ioutil"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when a chain of "extends" references loops back
// on a file already in the chain.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// ValidationError wraps the per-field errors produced by validating a
// loaded config.
type ValidationError struct {
	errs validator.ErrorMap
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", validator.ErrorMap(e.errs).Error())
}

// ErrForField returns the validation errors for a single field name, or nil
// if the field had none.
func (e ValidationError) ErrForField(name string) validator.ErrorArray {
	return e.errs[name]
}

type extendsStub struct {
	Extends string `yaml:"extends"`
}

// Load reads filename into dest, recursively resolving any "extends" chain
// (base files are merged first, so the named file's values win), then
// validates dest against its "validate:" tags.
func Load(filename string, dest interface{}) error {
	chain, err := resolveExtends(filename, readExtends)
	if err != nil {
		return err
	}
	return loadFiles(dest, chain)
}

// readExtends returns filename's raw (possibly relative) "extends" value,
// or "" if filename does not extend anything.
func readExtends(filename string) (string, error) {
	data, err := ioutil.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("read %s: %s", filename, err)
	}
	var stub extendsStub
	if err := yaml.Unmarshal(data, &stub); err != nil {
		return "", fmt.Errorf("parse %s: %s", filename, err)
	}
	return stub.Extends, nil
}

// resolveExtends walks fpath's "extends" chain via lookup, which returns
// the raw value of a file's "extends" key (resolved relative to the
// directory of the file that named it). It returns the chain of files in
// base-first order, or ErrCycleRef if a file is reachable twice.
func resolveExtends(fpath string, lookup func(string) (string, error)) ([]string, error) {
	visited := map[string]bool{fpath: true}
	chain := []string{fpath}
	cur := fpath
	for {
		raw, err := lookup(cur)
		if err != nil {
			return nil, err
		}
		if raw == "" {
			break
		}
		next := raw
		if !filepath.IsAbs(next) {
			next = filepath.Join(filepath.Dir(cur), next)
		}
		if visited[next] {
			return nil, ErrCycleRef
		}
		visited[next] = true
		chain = append(chain, next)
		cur = next
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// loadFiles merges filenames in order (later files override earlier ones
// field-by-field) into dest, then validates the merged result.
func loadFiles(dest interface{}, filenames []string) error {
	merged := map[string]interface{}{}
	for _, fn := range filenames {
		data, err := ioutil.ReadFile(fn)
		if err != nil {
			return fmt.Errorf("read %s: %s", fn, err)
		}
		var layer map[string]interface{}
		if err := yaml.Unmarshal(data, &layer); err != nil {
			return fmt.Errorf("parse %s: %s", fn, err)
		}
		merged = mergeMaps(merged, layer)
	}
	delete(merged, "extends")

	out, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("re-marshal merged config: %s", err)
	}
	if err := yaml.Unmarshal(out, dest); err != nil {
		return fmt.Errorf("unmarshal merged config: %s", err)
	}

	if err := validator.Validate(dest); err != nil {
		if errs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errs: errs}
		}
		return err
	}
	return nil
}

// mergeMaps deep-merges overlay atop base: nested maps are merged
// recursively, any other value (including lists) is replaced outright.
func mergeMaps(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bv, ok := out[k]; ok {
			bm, bok := asStringMap(bv)
			ov, ook := asStringMap(v)
			if bok && ook {
				out[k] = mergeMaps(bm, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, vv := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = vv
		}
		return out, true
	default:
		return nil, false
	}
}
