package bxmlrs

import (
	"encoding/xml"
	"io"
)

// ManifestEncoder consumes the XML events the binary XML decoder emits.
// Encoder from encoding/xml matches this interface.
type ManifestEncoder interface {
	EncodeToken(t xml.Token) error
	Flush() error
}

// NewXmlEncoder returns an indenting encoding/xml encoder writing to w,
// ready to be passed to ParseXml.
func NewXmlEncoder(w io.Writer) *xml.Encoder {
	enc := xml.NewEncoder(w)
	enc.Indent("", "    ")
	return enc
}
