// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/namnv2496/go-codelab/internal/model"
	"github.com/namnv2496/go-codelab/internal/store"
)

// CreateTestStore opens a migrated in-memory store closed on test cleanup.
func CreateTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// Fixture is a session with one exercise and one student, ready for
// execution requests.
type Fixture struct {
	Session  *model.Session
	Exercise *model.Exercise
	Image    *model.LanguageImage
	Student  model.Submitter
}

// SeedSession creates an active session on a python image with a single
// student whose sandbox container is "ctr-<studentID>".
func SeedSession(t *testing.T, s *store.Store, cfg model.ResourceConfiguration, cases ...model.TestCase) *Fixture {
	t.Helper()
	ctx := context.Background()

	img := &model.LanguageImage{
		ID:               "img-python",
		Name:             "python",
		BaseImage:        "python:3.12-alpine",
		FileExtension:    "py",
		ExecutionCommand: "python <filename>",
		Status:           model.ImageAvailable,
	}
	if _, err := s.GetImage(ctx, img.ID); err != nil {
		if err := s.CreateImage(ctx, img); err != nil {
			t.Fatalf("seed image: %v", err)
		}
	}

	now := time.Now().UTC()
	session := &model.Session{
		ID:            "session-1",
		Title:         "Week 1",
		ImageID:       img.ID,
		StartTime:     now.Add(-time.Hour),
		EndTime:       now.Add(time.Hour),
		Configuration: cfg,
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	exercise := &model.Exercise{ID: "exercise-1", SessionID: session.ID, Title: "Factorial", TestCases: cases}
	if err := s.CreateExercise(ctx, exercise); err != nil {
		t.Fatalf("seed exercise: %v", err)
	}

	student := model.Submitter{StudentID: "student-1", ContainerID: "ctr-student-1"}
	if err := s.CreateStudent(ctx, student.StudentID, student.ContainerID); err != nil {
		t.Fatalf("seed student: %v", err)
	}

	return &Fixture{Session: session, Exercise: exercise, Image: img, Student: student}
}

// AddStudent registers another student with a container "ctr-<id>".
func AddStudent(t *testing.T, s *store.Store, id string) model.Submitter {
	t.Helper()
	sub := model.Submitter{StudentID: id, ContainerID: "ctr-" + id}
	if err := s.CreateStudent(context.Background(), id, sub.ContainerID); err != nil {
		t.Fatalf("seed student %s: %v", id, err)
	}
	return sub
}
