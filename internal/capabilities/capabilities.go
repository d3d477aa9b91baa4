// Package capabilities picks a CRS from a WMS/WMTS GetCapabilities
// endpoint. Results are memoized for the process lifetime; any failure
// falls back to an assumed CRS list so a download can always proceed.
package capabilities

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Service type hints.
const (
	HintWMS  = "wms"
	HintWMTS = "wmts"
)

const fetchTimeout = 10 * time.Second

// Result lists the CRS identifiers a service offers. Source is "wms",
// "wmts" or "assumed".
type Result struct {
	SupportedCRS []string
	Default      string
	Source       string
}

var cache = struct {
	sync.Mutex
	m map[string]Result
}{m: make(map[string]Result)}

var httpClient = &http.Client{Timeout: fetchTimeout}

// Assumed is the fallback returned when a capabilities document cannot
// be fetched or parsed.
func Assumed() Result {
	return Result{
		SupportedCRS: []string{"EPSG:3857", "EPSG:4326"},
		Default:      "EPSG:3857",
		Source:       "assumed",
	}
}

// SupportedCRS resolves the CRS list offered at url. hint is "wms",
// "wmts" or empty; when empty the service type is detected from the URL
// query, then both parsers are tried.
func SupportedCRS(ctx context.Context, url, hint string) Result {
	key := hint + "|" + url
	cache.Lock()
	if r, ok := cache.m[key]; ok {
		cache.Unlock()
		return r
	}
	cache.Unlock()

	r := resolve(ctx, url, hint)

	cache.Lock()
	cache.m[key] = r
	cache.Unlock()
	return r
}

func resolve(ctx context.Context, url, hint string) Result {
	doc, err := fetchDocument(ctx, url)
	if err != nil {
		log.Warnf("get capabilities %s failed, assuming defaults ~ %s", url, err)
		return Assumed()
	}

	if hint == "" {
		hint = detectHint(url)
	}

	var codes []string
	source := ""
	switch hint {
	case HintWMS:
		codes, source = parseWMS(doc), "wms"
	case HintWMTS:
		codes, source = parseWMTS(doc), "wmts"
	default:
		if codes = parseWMS(doc); len(codes) > 0 {
			source = "wms"
		} else if codes = parseWMTS(doc); len(codes) > 0 {
			source = "wmts"
		}
	}

	codes = normalizeAll(codes)
	if len(codes) == 0 {
		log.Warnf("no CRS found in capabilities at %s, assuming defaults", url)
		return Assumed()
	}
	return Result{SupportedCRS: codes, Default: pick(codes), Source: source}
}

func fetchDocument(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func detectHint(url string) string {
	u := strings.ToUpper(url)
	switch {
	case strings.Contains(u, "WMTS"):
		return HintWMTS
	case strings.Contains(u, "WMS"):
		return HintWMS
	}
	return ""
}

// wmsLayer nests arbitrarily; 1.1.1 uses SRS elements, 1.3.0 uses CRS.
type wmsLayer struct {
	CRS    []string   `xml:"CRS"`
	SRS    []string   `xml:"SRS"`
	Layers []wmsLayer `xml:"Layer"`
}

type wmsCapabilities struct {
	Capability struct {
		Layer wmsLayer `xml:"Layer"`
	} `xml:"Capability"`
}

func parseWMS(doc []byte) []string {
	var caps wmsCapabilities
	if err := xml.Unmarshal(doc, &caps); err != nil {
		return nil
	}
	var codes []string
	var walk func(l wmsLayer)
	walk = func(l wmsLayer) {
		codes = append(codes, l.CRS...)
		codes = append(codes, l.SRS...)
		for _, child := range l.Layers {
			walk(child)
		}
	}
	walk(caps.Capability.Layer)
	return codes
}

type wmtsCapabilities struct {
	Contents struct {
		TileMatrixSets []struct {
			SupportedCRS string `xml:"SupportedCRS"`
		} `xml:"TileMatrixSet"`
	} `xml:"Contents"`
}

func parseWMTS(doc []byte) []string {
	var caps wmtsCapabilities
	if err := xml.Unmarshal(doc, &caps); err != nil {
		return nil
	}
	var codes []string
	for _, tms := range caps.Contents.TileMatrixSets {
		if tms.SupportedCRS != "" {
			codes = append(codes, tms.SupportedCRS)
		}
	}
	return codes
}

var numRe = regexp.MustCompile(`[0-9]+`)

// Normalize extracts the EPSG integer from any identifier form
// (EPSG:3857, urn:ogc:def:crs:EPSG::3857, .../EPSG/0/3857, ...) into
// EPSG:<code>. URN forms may carry a version between the authority and
// the code, so the last number wins. CRS84 maps to EPSG:4326. Returns ""
// when no code is recognized.
func Normalize(code string) string {
	upper := strings.ToUpper(code)
	if strings.Contains(upper, "CRS84") {
		return "EPSG:4326"
	}
	idx := strings.Index(upper, "EPSG")
	if idx < 0 {
		return ""
	}
	nums := numRe.FindAllString(code[idx:], -1)
	if len(nums) == 0 {
		return ""
	}
	return "EPSG:" + nums[len(nums)-1]
}

func normalizeAll(codes []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range codes {
		n := Normalize(c)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// pick prefers EPSG:3857, then EPSG:4326, then the first offer.
func pick(codes []string) string {
	for _, want := range []string{"EPSG:3857", "EPSG:4326"} {
		for _, c := range codes {
			if c == want {
				return want
			}
		}
	}
	return codes[0]
}
