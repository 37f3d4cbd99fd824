package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knights-analytics/mixtex/options"
	"github.com/knights-analytics/mixtex/util/fileutil"
)

// Model is one loaded onnx graph together with the runtime session executing it.
type Model struct {
	ID           string
	ORTModel     *ORTModel
	GoModel      *GoModel
	Destroy      func() error
	Path         string
	OnnxFilename string
	OnnxPath     string
	OnnxBytes    []byte
	InputsMeta   []InputOutputInfo
	OutputsMeta  []InputOutputInfo
	Runtime      string
}

// Candidate file names, in order of preference.
var (
	EncoderFilenames = []string{"encoder_model.onnx", "encoder.onnx", "vision_encoder.onnx"}
	DecoderFilenames = []string{"decoder_model_merged.onnx", "decoder_merged.onnx", "decoder_with_past_model.onnx"}
)

// LoadModel loads the onnx graph onnxFilename from the model directory at path and
// creates a session for it on the configured runtime.
func LoadModel(path string, onnxFilename string, opts *options.Options) (*Model, error) {
	model := &Model{
		ID:           path + ":" + onnxFilename,
		Path:         path,
		OnnxFilename: onnxFilename,
		Runtime:      opts.Backend,
	}
	if err := GetOnnxModelPath(model); err != nil {
		return nil, err
	}
	if err := LoadOnnxModelBytes(model); err != nil {
		return nil, err
	}
	if err := CreateModelBackend(model, opts); err != nil {
		return nil, fmt.Errorf("creating %s session for %s: %w", opts.Backend, model.OnnxPath, err)
	}
	model.Destroy = func() error {
		var destroyErr error
		switch opts.Backend {
		case "ORT":
			if model.ORTModel != nil {
				destroyErr = model.ORTModel.Destroy()
				model.ORTModel = nil
			}
		case "GO":
			model.GoModel = nil
		}
		model.OnnxBytes = nil
		return destroyErr
	}
	return model, nil
}

// LoadEncoder loads the vision encoder, either onnxFilename or the first known encoder name.
func LoadEncoder(modelPath, onnxFilename string, opts *options.Options) (*Model, error) {
	name, err := findOnnxFile(modelPath, onnxFilename, EncoderFilenames)
	if err != nil {
		return nil, fmt.Errorf("locating encoder: %w", err)
	}
	return LoadModel(modelPath, name, opts)
}

// LoadDecoder loads the merged decoder, either onnxFilename or the first known decoder name.
func LoadDecoder(modelPath, onnxFilename string, opts *options.Options) (*Model, error) {
	name, err := findOnnxFile(modelPath, onnxFilename, DecoderFilenames)
	if err != nil {
		return nil, fmt.Errorf("locating decoder: %w", err)
	}
	return LoadModel(modelPath, name, opts)
}

func findOnnxFile(modelPath, explicit string, candidates []string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	onnxFiles, err := getOnnxFiles(modelPath)
	if err != nil {
		return "", err
	}
	present := map[string]bool{}
	for _, f := range onnxFiles {
		present[f[len(f)-1]] = true
	}
	for _, candidate := range candidates {
		if present[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("none of %v found at %s", candidates, modelPath)
}

func GetOnnxModelPath(model *Model) error {
	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][len(onnxFiles[i])-1] == model.OnnxFilename {
				model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[i]...)
				return nil
			}
		}
		return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[0]...)
	return nil
}

// getOnnxFiles lists the .onnx files directly under path as {path, name} pairs.
func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if parent == "" && strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{path, info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

func LoadOnnxModelBytes(model *Model) error {
	if model.OnnxPath == "" {
		return errors.New("onnx path is not set")
	}
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return err
	}
	model.OnnxBytes = onnxBytes
	return nil
}

func CreateModelBackend(model *Model, opts *options.Options) error {
	switch opts.Backend {
	case "ORT":
		return createORTModelBackend(model, opts)
	case "GO":
		return createGoModelBackend(model)
	default:
		return fmt.Errorf("runtime %s not recognized", opts.Backend)
	}
}
