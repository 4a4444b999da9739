package facts

import (
	"reflect"
	"testing"
)

func TestParseFlatKeys(t *testing.T) {
	result := Parse([]string{"hostname=web1", "cpu.count=4"})
	if result["hostname"] != "web1" {
		t.Fatalf("hostname = %v", result["hostname"])
	}
	cpu, ok := result["cpu"].(map[string]any)
	if !ok {
		t.Fatalf("expected cpu group, got %T", result["cpu"])
	}
	if cpu["count"] != "4" {
		t.Fatalf("cpu.count = %v", cpu["count"])
	}
}

func TestParseArrayAllowlistedKey(t *testing.T) {
	result := Parse([]string{"storage.filesystems=/dev/sda1,/dev/sdb1"})
	storage := result["storage"].(map[string]any)
	got, ok := storage["filesystems"].([]string)
	if !ok {
		t.Fatalf("expected []string, got %T", storage["filesystems"])
	}
	want := []string{"/dev/sda1", "/dev/sdb1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("filesystems = %v, want %v", got, want)
	}
}

func TestParseArrayHeuristicPrefix(t *testing.T) {
	result := Parse([]string{"network.routes=10.0.0.0/24,192.168.0.0/24"})
	network := result["network"].(map[string]any)
	got, ok := network["routes"].([]string)
	if !ok {
		t.Fatalf("expected []string, got %T", network["routes"])
	}
	if len(got) != 2 {
		t.Fatalf("routes = %v", got)
	}
}

func TestParseIPAtInterfaceNotSplit(t *testing.T) {
	result := Parse([]string{"network.route=192.168.1.1@eth0"})
	network := result["network"].(map[string]any)
	if _, isArray := network["route"].([]string); isArray {
		t.Fatalf("expected ip@iface value to stay scalar, got %v", network["route"])
	}
	if network["route"] != "192.168.1.1@eth0" {
		t.Fatalf("route = %v", network["route"])
	}
}

func TestParseCommaOutsideAllowedPrefixStaysScalar(t *testing.T) {
	result := Parse([]string{"os.name=NixOS, 24.05"})
	if _, isArray := result["os"].(map[string]any)["name"].([]string); isArray {
		t.Fatal("expected os.name to stay scalar since 'os.' isn't an array-safe prefix")
	}
}

func TestParseGroupsMergeWithFlatKeyOfSameName(t *testing.T) {
	result := Parse([]string{"storage=present", "storage.filesystems=/dev/sda1"})
	storage, ok := result["storage"].(map[string]any)
	if ok {
		if _, hasFS := storage["filesystems"]; !hasFS {
			t.Fatal("expected group merge to retain filesystems")
		}
		return
	}
	if result["storage"] != "present" {
		t.Fatalf("unexpected storage value: %v", result["storage"])
	}
}

func TestParseSkipsBlankAndMalformedLines(t *testing.T) {
	result := Parse([]string{"", "   ", "no-equals-sign", "hostname=web1"})
	if len(result) != 1 {
		t.Fatalf("expected only one parsed key, got %v", result)
	}
}
