package server

import (
	"embed"
	"html/template"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

const pageTitle = "Image Caption Generator"

func (s *Server) IndexHandler(c *gin.Context) {
	c.HTML(200, "index.html", gin.H{
		"Title":        pageTitle,
		"AuthRequired": s.opts.Token != "",
		"Examples":     s.gallery.List(),
	})
}
