package shared

import (
	"sort"
	"strings"
)

// KernelCmdLine is a kernel command line as key value pairs. An empty value
// renders the bare key.
type KernelCmdLine map[string]string

func (k KernelCmdLine) Set(key, value string) {
	k[key] = value
}

func (k KernelCmdLine) Get(key string) string {
	return k[key]
}

func (k KernelCmdLine) Delete(key string) {
	delete(k, key)
}

// Params returns one entry per key, sorted by key.
func (k KernelCmdLine) Params() []string {
	keys := make([]string, 0, len(k))
	for key := range k {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	params := make([]string, 0, len(keys))

	for _, key := range keys {
		if k[key] == "" {
			params = append(params, key)

			continue
		}

		params = append(params, key+"="+k[key])
	}

	return params
}

func (k KernelCmdLine) String() string {
	return strings.Join(k.Params(), " ")
}
