package config

import (
	"strings"

	"github.com/openfroyo/stagecraft/pkg/model"
)

// DefaultImageTag is used when neither image nor version names a tag.
const DefaultImageTag = "latest"

// InferImage resolves the image reference of a service:
//
//   - no image: "{name}:{version}", or "{name}:latest" without a version
//   - image without a tag and a version: "{image}:{version}"
//   - image with a tag or digest: used verbatim
func InferImage(name string, svc *model.Service) string {
	if svc == nil {
		return name + ":" + DefaultImageTag
	}
	image := strings.TrimSpace(svc.Image)
	if image == "" {
		tag := svc.Version
		if tag == "" {
			tag = DefaultImageTag
		}
		return name + ":" + tag
	}
	if HasExplicitTag(image) || svc.Version == "" {
		return image
	}
	return image + ":" + svc.Version
}

// HasExplicitTag reports whether an image reference names a tag or a
// digest. A registry port ("registry:5000/app") is not a tag.
func HasExplicitTag(image string) bool {
	if strings.Contains(image, "@") {
		return true
	}
	lastSegment := image
	if i := strings.LastIndex(image, "/"); i >= 0 {
		lastSegment = image[i+1:]
	}
	return strings.Contains(lastSegment, ":")
}

// InferImages returns a copy of flow with every service image resolved.
func InferImages(flow *model.Flow) *model.Flow {
	out := flow.Clone()
	if out == nil {
		return nil
	}
	for name, svc := range out.Services {
		if svc == nil {
			svc = &model.Service{}
			out.Services[name] = svc
		}
		svc.Image = InferImage(name, svc)
	}
	return out
}
