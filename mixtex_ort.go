//go:build cgo && (ORT || ALL)

package mixtex

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/mixtex/options"
	"github.com/knights-analytics/mixtex/util/fileutil"
)

// NewORTSession creates a session backed by onnxruntime. Only one ORT session can be
// active at a time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another session is currently active, and only one session can be active at one time")
	}
	session, err := newSession("ORT", opts...)
	if err != nil {
		return nil, err
	}

	if initialised, initErr := session.initialiseORT(); initErr != nil {
		if initialised {
			return nil, errors.Join(initErr, session.options.Destroy(), ort.DestroyEnvironment())
		}
		return nil, initErr
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}
	return session, nil
}

func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else if err := ort.DisableTelemetry(); err != nil {
		return true, err
	}

	// session options shared by the encoder and decoder of every pipeline
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return true, err
	}
	s.options.RuntimeOptions = sessionOptions
	s.options.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err = sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err = sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CPUMemArena != nil {
		if err = sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return true, err
		}
	}
	if o.MemPattern != nil {
		if err = sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return true, err
		}
	}
	if o.CudaOptions != nil {
		if err = appendCUDA(sessionOptions, o.CudaOptions); err != nil {
			return true, err
		}
	}
	if o.CoreMLOptions != nil {
		if err = sessionOptions.AppendExecutionProviderCoreML(*o.CoreMLOptions); err != nil {
			return true, err
		}
	}
	if o.DirectMLOptions != nil {
		if err = sessionOptions.AppendExecutionProviderDirectML(*o.DirectMLOptions); err != nil {
			return true, err
		}
	}
	if o.OpenVINOOptions != nil {
		if err = sessionOptions.AppendExecutionProviderOpenVINO(o.OpenVINOOptions); err != nil {
			return true, err
		}
	}
	if o.TensorRTOptions != nil {
		if err = appendTensorRT(sessionOptions, o.TensorRTOptions); err != nil {
			return true, err
		}
	}
	return true, nil
}

func appendCUDA(sessionOptions *ort.SessionOptions, providerOptions map[string]string) (err error) {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, cudaOptions.Destroy())
	}()
	if len(providerOptions) > 0 {
		if err = cudaOptions.Update(providerOptions); err != nil {
			return err
		}
	}
	return sessionOptions.AppendExecutionProviderCUDA(cudaOptions)
}

func appendTensorRT(sessionOptions *ort.SessionOptions, providerOptions map[string]string) (err error) {
	tensorRTOptions, err := ort.NewTensorRTProviderOptions()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, tensorRTOptions.Destroy())
	}()
	if len(providerOptions) > 0 {
		if err = tensorRTOptions.Update(providerOptions); err != nil {
			return err
		}
	}
	return sessionOptions.AppendExecutionProviderTensorRT(tensorRTOptions)
}
