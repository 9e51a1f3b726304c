package bxmlrs

import (
	"encoding/xml"
	"fmt"
	"io"
)

// Manifest is the decoded AndroidManifest.xml reduced to the fields the
// tooling displays. It unmarshals from the XML this package emits, where
// attribute names are unqualified.
type Manifest struct {
	XMLName     xml.Name `xml:"manifest"`
	Package     string   `xml:"package,attr"`
	VersionCode string   `xml:"versionCode,attr"`
	VersionName string   `xml:"versionName,attr"`

	UsesSdk struct {
		MinSdkVersion    string `xml:"minSdkVersion,attr"`
		TargetSdkVersion string `xml:"targetSdkVersion,attr"`
		MaxSdkVersion    string `xml:"maxSdkVersion,attr"`
	} `xml:"uses-sdk"`

	UsesPermissions []struct {
		Name string `xml:"name,attr"`
	} `xml:"uses-permission"`

	Application struct {
		Label string `xml:"label,attr"`
		Icon  string `xml:"icon,attr"`
		Name  string `xml:"name,attr"`

		Activities []ManifestComponent `xml:"activity"`
		Services   []ManifestComponent `xml:"service"`
		Receivers  []ManifestComponent `xml:"receiver"`
		Providers  []ManifestComponent `xml:"provider"`
	} `xml:"application"`
}

// ManifestComponent is one activity, service, receiver or provider element.
type ManifestComponent struct {
	Name       string `xml:"name,attr"`
	Label      string `xml:"label,attr"`
	Exported   string `xml:"exported,attr"`
	Permission string `xml:"permission,attr"`

	IntentFilters []struct {
		Actions []struct {
			Name string `xml:"name,attr"`
		} `xml:"action"`
		Categories []struct {
			Name string `xml:"name,attr"`
		} `xml:"category"`
	} `xml:"intent-filter"`
}

// PermissionNames flattens the uses-permission elements.
func (m *Manifest) PermissionNames() []string {
	names := make([]string, 0, len(m.UsesPermissions))
	for _, p := range m.UsesPermissions {
		names = append(names, p.Name)
	}
	return names
}

// ParseManifestInfo parses the textual XML produced by ParseXml back into a
// Manifest for field extraction.
func ParseManifestInfo(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := xml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest xml: %w", err)
	}
	return &m, nil
}
