// Package facts parses the remote hardware-scan script's `key=value`
// output into the nested document stored at Machine.status.hardwareFacts.
package facts

import (
	"regexp"
	"strings"
)

// arrayKeys names the full "prefix.subkey" keys whose CSV value is always
// split into a list, regardless of the comma heuristic below.
var arrayKeys = map[string]bool{
	"storage.filesystems": true,
	"network.dns_servers": true,
}

var ipAtInterface = regexp.MustCompile(`\d+\.\d+\.\d+\.\d+@`)

var arrayPrefixes = []string{"storage.", "network.", "user.", "system."}

// shouldBeArray decides whether a value should be split into a list: either
// fullKey is explicitly allowlisted, or it looks like a comma-separated
// list under a prefix where that's safe (storage/network/user/system) and
// isn't an `ip@iface` pairing, which legitimately contains commas without
// being a list.
func shouldBeArray(fullKey, value string) bool {
	if arrayKeys[fullKey] {
		return true
	}
	if !strings.Contains(value, ",") {
		return false
	}
	if ipAtInterface.MatchString(value) {
		return false
	}
	for _, prefix := range arrayPrefixes {
		if strings.HasPrefix(fullKey, prefix) {
			return true
		}
	}
	return false
}

// parseValue returns value as a []string when shouldBeArray says so,
// otherwise the trimmed scalar string.
func parseValue(fullKey, value string) any {
	if shouldBeArray(fullKey, value) {
		var parts []string
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			return value
		}
		return parts
	}
	return value
}

// Parse turns the scanner's `key=value` lines into a nested document:
// "storage.filesystems=/dev/sda1,/dev/sdb1" becomes
// {"storage": {"filesystems": ["/dev/sda1", "/dev/sdb1"]}}, while a flat key
// with no "." is kept at the top level.
func Parse(lines []string) map[string]any {
	result := make(map[string]any)
	groups := make(map[string]map[string]any)

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, "=") {
			continue
		}
		key, rawValue, _ := strings.Cut(line, "=")
		value := parseValue(key, rawValue)

		if prefix, subkey, ok := strings.Cut(key, "."); ok {
			group, exists := groups[prefix]
			if !exists {
				group = make(map[string]any)
				groups[prefix] = group
			}
			group[subkey] = value
		} else {
			result[key] = value
		}
	}

	for prefix, subdict := range groups {
		if existing, ok := result[prefix].(map[string]any); ok {
			for k, v := range subdict {
				existing[k] = v
			}
		} else {
			result[prefix] = subdict
		}
	}

	return result
}
