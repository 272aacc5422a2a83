/*
Copyright 2025 The Volmux Authors.

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

package util

import (
	"strings"
)

const (
	passwordArg         = "password="
	tokenArg            = "token="
	secretArg           = "secret="
	optionsArgSeparator = ','
	strippedValue       = "***stripped***"
)

// StripSecretInArgs strips the values of "password=", "token=" and "secret="
// options before vendor CLI arguments get logged. `args` is left unchanged.
func StripSecretInArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)

	for i := range out {
		out[i] = stripArg(out[i])
	}

	return out
}

func stripArg(arg string) string {
	for _, key := range []string{passwordArg, tokenArg, secretArg} {
		begin := strings.Index(arg, key)
		if begin == -1 {
			continue
		}

		end := strings.IndexByte(arg[begin+len(key):], optionsArgSeparator)

		stripped := arg[:begin] + key + strippedValue
		if end != -1 {
			stripped += arg[begin+len(key)+end:]
		}

		return stripped
	}

	return arg
}
