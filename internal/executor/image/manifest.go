package image

import (
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/docker/go-units"

	"github.com/namnv2496/go-codelab/internal/model"
)

const (
	FilenamePlaceholder       = "<filename>"
	OutputFilenamePlaceholder = "<output_filename>"
	// CompiledProgramName prefixes the compiled file when the compile
	// template names its output.
	CompiledProgramName = "CompiledProgram"
	// BuildTestName is the base name of the self-test program.
	BuildTestName = "BuildTest"
)

// Manifest renders the Dockerfile for a language image. The base is
// expected to be Alpine; bash is installed so every command runs under it.
func Manifest(img *model.LanguageImage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", img.BaseImage)
	fmt.Fprintf(&b, "WORKDIR /%s\n\n", img.ID)
	b.WriteString("RUN apk update && apk add bash\n\n")
	if strings.TrimSpace(img.EntrypointScript) != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(img.EntrypointScript))
		b.WriteString("RUN mkdir -p /scripts\n")
		fmt.Fprintf(&b, "RUN echo \"%s\" | base64 -d > /scripts/entrypoint.sh\n", encoded)
		b.WriteString("RUN chmod +x /scripts/entrypoint.sh\n")
		b.WriteString("RUN /scripts/entrypoint.sh\n\n")
	}
	b.WriteString("CMD [\"bash\"]\n")
	return b.String()
}

// Commands are the shell commands that compile and run one entry file.
type Commands struct {
	Compile      string
	Execute      string
	CompiledFile string
}

// DeriveCommands substitutes the entry file into the image's templates.
// A compile template with an <output_filename> marker writes
// CompiledProgram.<ext>; without one the compiler is assumed to write the
// entry file with its extension swapped.
func DeriveCommands(img *model.LanguageImage, entryFile string) Commands {
	if !img.RequiresCompilation {
		return Commands{Execute: substitute(img.ExecutionCommand, entryFile, "")}
	}

	compiled := swapExtension(entryFile, img.CompileFileExtension)
	if strings.Contains(img.CompileCommand, OutputFilenamePlaceholder) {
		compiled = CompiledProgramName + "." + img.CompileFileExtension
	}
	return Commands{
		Compile:      substitute(img.CompileCommand, entryFile, compiled),
		Execute:      substitute(img.ExecutionCommand, compiled, ""),
		CompiledFile: compiled,
	}
}

func substitute(template, filename, output string) string {
	s := strings.ReplaceAll(template, FilenamePlaceholder, filename)
	return strings.ReplaceAll(s, OutputFilenamePlaceholder, output)
}

func swapExtension(file, ext string) string {
	base := strings.TrimSuffix(file, path.Ext(file))
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// FormatSize renders an image size in binary megabytes, e.g. "15.00 MB".
func FormatSize(size int64) string {
	return fmt.Sprintf("%.2f MB", float64(size)/units.MiB)
}
