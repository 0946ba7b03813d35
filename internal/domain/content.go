package domain

import "encoding/base64"

// Content is a downloaded message attachment.
type Content struct {
	Data      []byte
	MediaType string
}

// DataURL embeds the content as a base64 data URL.
func (c Content) DataURL() string {
	return "data:" + c.MediaType + ";base64," + base64.StdEncoding.EncodeToString(c.Data)
}
