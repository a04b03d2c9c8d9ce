package handlers

import (
	"github.com/gofiber/fiber/v2"

	"quirk/internal/config"
	"quirk/internal/files"
)

// FilesHandler serves saved run artifacts and the settings endpoints.
type FilesHandler struct {
	sink     *files.Sink
	settings *config.SettingsStore
}

func NewFilesHandler(sink *files.Sink, settings *config.SettingsStore) *FilesHandler {
	return &FilesHandler{sink: sink, settings: settings}
}

// Download streams a saved file by registry id. The filename in the path is
// cosmetic; the registry entry is authoritative.
func (h *FilesHandler) Download(c *fiber.Ctx) error {
	file, ok := h.sink.Lookup(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "file not found or expired")
	}
	c.Attachment(file.Filename)
	return c.SendFile(file.Path)
}

// GetSettings returns the current LLM settings with the API key masked.
func (h *FilesHandler) GetSettings(c *fiber.Ctx) error {
	s := h.settings.Get()
	if s.APIKey != "" {
		s.APIKey = "••••••••"
	}
	return c.JSON(s)
}

// UpdateSettings replaces the LLM settings. A masked API key keeps the
// stored credential.
func (h *FilesHandler) UpdateSettings(c *fiber.Ctx) error {
	var s config.Settings
	if err := c.BodyParser(&s); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid settings payload")
	}
	if s.APIKey == "••••••••" {
		s.APIKey = h.settings.Get().APIKey
	}
	if err := h.settings.Update(s); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{"updated": true})
}
