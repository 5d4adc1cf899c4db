package model

import "time"

type ImageStatus string

const (
	ImageCreated              ImageStatus = "created"
	ImageBuilding             ImageStatus = "building"
	ImageBuildSucceeded       ImageStatus = "build_succeeded"
	ImageBuildFailed          ImageStatus = "build_failed"
	ImageTesting              ImageStatus = "testing"
	ImageTestingFailed        ImageStatus = "testing_failed"
	ImageScheduledForPrune    ImageStatus = "scheduled_for_prune"
	ImageScheduledForRebuild  ImageStatus = "scheduled_for_rebuild"
	ImageScheduledForDeletion ImageStatus = "scheduled_for_deletion"
	ImageAvailable            ImageStatus = "available"
	ImageUnavailable          ImageStatus = "unavailable"
	ImageFailed               ImageStatus = "failed"
)

// ScheduledImageStatuses are the states picked up by the maintenance pass.
var ScheduledImageStatuses = []ImageStatus{
	ImageScheduledForPrune,
	ImageScheduledForRebuild,
	ImageScheduledForDeletion,
}

// InProgress reports whether the engine is currently working on the image.
func (s ImageStatus) InProgress() bool {
	return s == ImageBuilding || s == ImageTesting
}

func (s ImageStatus) Scheduled() bool {
	for _, st := range ScheduledImageStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// LanguageImage describes how to build, compile and run programs for one
// language. Command templates use the <filename> and <output_filename>
// placeholders.
type LanguageImage struct {
	ID                   string      `json:"id"`
	Name                 string      `json:"name"`
	BaseImage            string      `json:"baseImage"`
	FileExtension        string      `json:"fileExtension"`
	RequiresCompilation  bool        `json:"requiresCompilation"`
	CompileCommand       string      `json:"compileCommand"`
	CompileFileExtension string      `json:"compileFileExtension"`
	ExecutionCommand     string      `json:"executionCommand"`
	EntrypointScript     string      `json:"entrypointScript"`
	TestBuild            bool        `json:"testBuild"`
	TestProgram          string      `json:"testProgram"`
	Status               ImageStatus `json:"status"`
	FailureMessage       string      `json:"failureMessage"`
	BuildLogs            string      `json:"buildLogs"`
	DockerImageID        string      `json:"dockerImageId"`
	ImageSize            string      `json:"imageSize"`
	Architecture         string      `json:"architecture"`
	BuildTestStdout      string      `json:"buildTestStdout"`
	CreatedAt            time.Time   `json:"createdAt"`
	UpdatedAt            time.Time   `json:"updatedAt"`
}

// Tag is the engine reference the image is built under.
func (i *LanguageImage) Tag() string {
	return "codelab-" + i.ID
}

func (i *LanguageImage) Fail(status ImageStatus, message string) {
	i.Status = status
	i.FailureMessage = message
}
