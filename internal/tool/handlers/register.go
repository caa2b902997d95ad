package handlers

import (
	"time"

	"github.com/fairyhunter13/ai-tool-platform/internal/tool"
)

// Catalog slugs served by the built-in handlers.
const (
	SlugBackgroundRemove = "background-remove"
	SlugUpscale          = "upscale"
	SlugTextToImage      = "text-to-image"
	SlugPhotoTo3D        = "photo-to-3d"
)

// RegisterAll binds the built-in handlers into the worker registry.
// imageTimeout bounds single image generations, modelTimeout the 3-D step.
func RegisterAll(reg *tool.Registry, imageTimeout, modelTimeout time.Duration) {
	reg.Register(SlugBackgroundRemove, BackgroundRemove(imageTimeout))
	reg.Register(SlugUpscale, Upscale(imageTimeout))
	reg.Register(SlugTextToImage, TextToImage(imageTimeout))
	reg.Register(SlugPhotoTo3D, PhotoTo3D(imageTimeout, modelTimeout))
}
