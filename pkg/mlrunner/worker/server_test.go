package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/artifacts"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/dataset"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/ml/mltest"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/mlrunner/client"
	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/mlrunner/protocol"
)

// serverTransport runs a Server in-process behind io.Pipe streams.
type serverTransport struct {
	server *Server
}

func (t *serverTransport) Start(ctx context.Context, argv []string) (client.Process, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	sctx, cancel := context.WithCancel(context.Background())
	p := &pipeProcess{inR: inR, inW: inW, outR: outR, cancel: cancel, done: make(chan error, 1)}
	go func() {
		err := t.server.Serve(sctx, inR, outW)
		outW.Close()
		p.done <- err
	}()
	return p, nil
}

type pipeProcess struct {
	inR    *io.PipeReader
	inW    *io.PipeWriter
	outR   *io.PipeReader
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.inW }
func (p *pipeProcess) Stdout() io.Reader     { return p.outR }
func (p *pipeProcess) Wait() error           { return <-p.done }

func (p *pipeProcess) Kill() error {
	p.once.Do(func() {
		p.cancel()
		p.inR.CloseWithError(errors.New("killed"))
		p.outR.CloseWithError(errors.New("killed"))
	})
	return nil
}

func partition(n int) dataset.Partition {
	p := dataset.Partition{Classes: []string{"Normal", "Tumor"}}
	for i := 0; i < n; i++ {
		p.Samples = append(p.Samples, dataset.Sample{Path: fmt.Sprintf("img%d.jpg", i), Label: i % 2})
	}
	return p
}

func TestServer_ClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "training", "model.h5")

	engine := mltest.New()
	engine.ValLosses = []float64{0.6, 0.4, 0.5}
	srv := NewServer(engine, Options{Version: "test", Backend: "simulation", Logger: zerolog.Nop()})

	c, err := client.NewClient(client.Config{
		Transport:      &serverTransport{server: srv},
		Command:        []string{"kidneyflow-worker"},
		StartupTimeout: 2 * time.Second,
		ModelPath:      modelPath,
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { c.Close(context.Background()) })

	ready := c.Ready()
	require.NotNil(t, ready)
	assert.Equal(t, "simulation", ready.Backend)
	assert.True(t, ready.Supports(protocol.CommandTypeFit))
	assert.True(t, ready.Supports(protocol.CommandTypePredict))

	base, err := c.LoadArchitecture(ctx, ml.ArchitectureSpec{Weights: "imagenet", ImageSize: []int{224, 224, 3}, NumClasses: 2})
	require.NoError(t, err)
	require.Len(t, base.Layers(), mltest.DefaultBackboneLayers)
	ml.FreezeAll().Apply(base)

	full, err := c.AddClassifierHead(ctx, base, 2)
	require.NoError(t, err)
	require.Len(t, full.Layers(), mltest.DefaultBackboneLayers+2)
	assert.Equal(t, 2, ml.CountTrainable(full))

	require.NoError(t, c.Compile(ctx, full, ml.AdamOptions(0.01)))
	require.NotNil(t, engine.LastCompile())
	assert.Equal(t, 0.01, engine.LastCompile().LearningRate)

	hist, err := c.Fit(ctx, full, ml.FitRequest{
		Train:      partition(8),
		Validation: partition(2),
		Epochs:     3,
		BatchSize:  4,
		ImageSize:  []int{224, 224, 3},
	})
	require.NoError(t, err)
	require.Len(t, hist.Epochs, 3)
	for i, want := range []float64{0.6, 0.4, 0.5} {
		assert.Equal(t, i+1, hist.Epochs[i].Epoch)
		assert.InDelta(t, want, hist.Epochs[i].ValLoss, 1e-9)
	}

	score, err := c.Evaluate(ctx, full, ml.EvalRequest{Data: partition(2), BatchSize: 4})
	require.NoError(t, err)
	assert.Equal(t, 0.9, score.Accuracy)

	require.NoError(t, c.Save(ctx, full, modelPath))
	var saved mltest.Model
	require.NoError(t, artifacts.ReadJSON(modelPath, &saved))
	assert.Equal(t, 3, saved.TrainedEpochs)
	assert.False(t, saved.LayerList[0].IsTrainable)
	assert.True(t, saved.LayerList[len(saved.LayerList)-1].IsTrainable)

	image := filepath.Join(dir, "scan.jpg")
	require.NoError(t, os.WriteFile(image, []byte("\xff\xd8\xff"), 0o644))
	pred, err := c.Predict(ctx, image)
	require.NoError(t, err)
	assert.Equal(t, ml.LabelTumor, pred.Label)
	assert.Equal(t, 0.8, pred.Confidence)
}

// session feeds cmds to a server and returns every message it wrote.
func session(t *testing.T, srv *Server, cmds ...*protocol.CommandMessage) ([]*protocol.Message, error) {
	t.Helper()
	var in, out bytes.Buffer
	enc := protocol.NewEncoder(&in)
	for _, cmd := range cmds {
		require.NoError(t, enc.EncodeCommand(cmd))
	}

	serveErr := srv.Serve(context.Background(), &in, &out)

	var msgs []*protocol.Message
	dec := protocol.NewDecoder(&out)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs, serveErr
}

func command(t *testing.T, id string, ct protocol.CommandType, params interface{}) *protocol.CommandMessage {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return &protocol.CommandMessage{ID: id, Type: ct, Timeout: 5, Params: raw}
}

func TestServer_ErrorCodes(t *testing.T) {
	srv := NewServer(mltest.New(), Options{Logger: zerolog.Nop()})

	msgs, err := session(t, srv,
		command(t, "c1", protocol.CommandTypeCompile, protocol.CompileParams{Handle: "m-9", Options: ml.AdamOptions(0.01)}),
		command(t, "c2", protocol.CommandTypeLoadArchitecture, protocol.LoadArchitectureParams{Spec: ml.ArchitectureSpec{ImageSize: []int{224, 224, 3}}}),
		command(t, "c3", protocol.CommandTypeFit, protocol.FitParams{Handle: "m-1", InitialEpoch: 2, Epochs: 2}),
		command(t, "c4", protocol.CommandTypeCompile, protocol.CompileParams{Handle: "m-1", Trainable: []bool{true}, Options: ml.AdamOptions(0.01)}),
	)
	require.NoError(t, err)
	require.Len(t, msgs, 6)

	assert.Equal(t, protocol.MessageTypeReady, msgs[0].Type)

	codes := map[string]string{}
	for _, msg := range msgs[1:5] {
		switch msg.Type {
		case protocol.MessageTypeError:
			var e protocol.ErrorMessage
			require.NoError(t, protocol.ParseParams(msg.Data, &e))
			codes[e.CommandID] = e.Code
		case protocol.MessageTypeDone:
			var d protocol.DoneMessage
			require.NoError(t, protocol.ParseParams(msg.Data, &d))
			codes[d.CommandID] = "DONE"
		}
	}
	assert.Equal(t, map[string]string{
		"c1": CodeUnknownHandle,
		"c2": "DONE",
		"c3": CodeInvalidParams,
		"c4": CodeInvalidParams,
	}, codes)

	require.Equal(t, protocol.MessageTypeExit, msgs[5].Type)
	var exit protocol.ExitMessage
	require.NoError(t, protocol.ParseParams(msgs[5].Data, &exit))
	assert.Equal(t, ExitStdinClosed, exit.Reason)
	assert.Equal(t, 4, exit.CommandsTotal)
}

func TestServer_PredictNeedsInferenceEngine(t *testing.T) {
	srv := NewServer(trainingOnly{mltest.New()}, Options{Logger: zerolog.Nop()})
	assert.False(t, srv.ready().Supports(protocol.CommandTypePredict))

	msgs, err := session(t, srv,
		command(t, "p1", protocol.CommandTypePredict, protocol.PredictParams{ModelPath: "model.h5", ImagePath: "scan.jpg"}))
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	var e protocol.ErrorMessage
	require.NoError(t, protocol.ParseParams(msgs[1].Data, &e))
	assert.Equal(t, CodeUnsupported, e.Code)
}

// trainingOnly hides the engine's Predict method.
type trainingOnly struct {
	ml.TrainingEngine
}

func TestServer_IdleTimeout(t *testing.T) {
	srv := NewServer(mltest.New(), Options{IdleTimeout: 20 * time.Millisecond, Logger: zerolog.Nop()})

	inR, inW := io.Pipe()
	defer inW.Close()
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), inR, &out) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit when idle")
	}

	dec := protocol.NewDecoder(&out)
	ready, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageTypeReady, ready.Type)

	msg, err := dec.Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.MessageTypeExit, msg.Type)
	var exit protocol.ExitMessage
	require.NoError(t, protocol.ParseParams(msg.Data, &exit))
	assert.Equal(t, ExitIdle, exit.Reason)
}
