package project

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("project not found")

type Project struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	URL         string    `json:"url,omitempty"`
	RepoURL     string    `json:"repoUrl,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Tags        []string  `json:"tags"`
	Published   bool      `json:"published"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type ProjectInput struct {
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	RepoURL     string   `json:"repoUrl"`
	ImageURL    string   `json:"imageUrl"`
	Tags        []string `json:"tags"`
	Published   bool     `json:"published"`
}

type publishInput struct {
	Published *bool `json:"published"`
}

type orderInput struct {
	IDs []string `json:"ids"`
}
