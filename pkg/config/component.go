/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

// Component is implemented by anything the Config Plane pushes snapshots
// to (the Job Store, the Worker Pool, the Provider Gateway, ...). oldCfg
// is nil on the very first apply for a type.
type Component interface {
	UpdateConfig(typ Type, newCfg, oldCfg any) error
}

// TypeFilter is an optional capability: a Component may restrict which
// types it receives (spec §4.H's "optionally implement
// handlesConfigType"). A Component without this capability is fanned out
// every type.
type TypeFilter interface {
	HandlesConfigType(typ Type) bool
}

// RemovalHandler is an optional capability for reacting to a config
// file's deletion (spec §4.H). There is no rollback for removals.
type RemovalHandler interface {
	HandleConfigRemoval(typ Type, oldCfg any) error
}

// handles reports whether c should receive typ, consulting TypeFilter
// when the component implements it.
func handles(c Component, typ Type) bool {
	if f, ok := c.(TypeFilter); ok {
		return f.HandlesConfigType(typ)
	}
	return true
}
