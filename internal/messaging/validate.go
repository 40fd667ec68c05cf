package messaging

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"dm-service/internal/models"
)

const (
	MaxImages         = 4
	MaxContentRunes   = 4000
	MaxClientTokenLen = 128
)

var allowedImageExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// normalize trims content and checks the request. The returned request is what
// gets stored.
func normalize(in models.CreateMessageRequest) (models.CreateMessageRequest, error) {
	out := models.CreateMessageRequest{
		Content:     strings.TrimSpace(in.Content),
		ClientToken: strings.TrimSpace(in.ClientToken),
	}
	if out.Content == "" && len(in.Images) == 0 {
		return out, invalid("content", "message must have text or at least one image")
	}
	if utf8.RuneCountInString(out.Content) > MaxContentRunes {
		return out, invalid("content", fmt.Sprintf("longer than %d characters", MaxContentRunes))
	}
	if len(in.Images) > MaxImages {
		return out, invalid("images", fmt.Sprintf("at most %d images per message", MaxImages))
	}
	for _, raw := range in.Images {
		if err := checkImageURL(raw); err != nil {
			return out, err
		}
		out.Images = append(out.Images, strings.TrimSpace(raw))
	}
	if len(out.ClientToken) > MaxClientTokenLen {
		return out, invalid("client_token", "too long")
	}
	return out, nil
}

func checkImageURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return invalid("images", fmt.Sprintf("%q is not an absolute url", raw))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("images", fmt.Sprintf("%q must use http or https", raw))
	}
	if !allowedImageExt[strings.ToLower(path.Ext(u.Path))] {
		return invalid("images", fmt.Sprintf("%q is not a jpg, jpeg, png, gif or webp image", raw))
	}
	return nil
}
