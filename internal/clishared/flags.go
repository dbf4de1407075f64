// Copyright 2025 Tom Barlow
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

// Package clishared holds durablectl's persistent flag state and exit
// code scheme, kept in its own package so every subcommand file can read
// it without importing the root command.
package clishared

// Global flag values, set by the root command's persistent flags.
var (
	verboseFlag bool
	jsonFlag    bool
	configFlag  string

	version = "dev"
	commit  = "unknown"
)

// RegisterFlagPointers returns pointers for the root command to bind its
// persistent flags to.
func RegisterFlagPointers() (*bool, *bool, *string) {
	return &verboseFlag, &jsonFlag, &configFlag
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c string) {
	version = v
	commit = c
}

// GetVerbose returns the verbose flag value.
func GetVerbose() bool {
	return verboseFlag
}

// GetJSON returns the JSON output flag value.
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the config file path.
func GetConfigPath() string {
	return configFlag
}

// GetVersion returns version information.
func GetVersion() (string, string) {
	return version, commit
}
