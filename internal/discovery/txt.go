package discovery

import (
	"sort"
	"strings"
)

// TXT record keys published by a bridge
const (
	TXTVersion  = "txtvers"
	TXTModel    = "model"
	TXTFirmware = "fw"
	TXTPath     = "path"
)

// TXTInfo is what a bridge publishes about itself.
type TXTInfo struct {
	Model    string
	Firmware string
	Path     string
}

// EncodeTXT builds the TXT strings for info in stable key order. Empty
// fields are omitted.
func EncodeTXT(info TXTInfo) []string {
	records := map[string]string{TXTVersion: "1"}
	if info.Model != "" {
		records[TXTModel] = info.Model
	}
	if info.Firmware != "" {
		records[TXTFirmware] = info.Firmware
	}
	if info.Path != "" {
		records[TXTPath] = info.Path
	}

	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+records[k])
	}
	return out
}

// ParseTXT splits "key=value" strings into a map. A key without "=" maps to
// the empty string.
func ParseTXT(text []string) map[string]string {
	metadata := make(map[string]string, len(text))
	for _, txt := range text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}
	return metadata
}
