package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/runtime"
)

type hostConfig struct {
	AutoRemove bool  `json:"AutoRemove"`
	NanoCPUs   int64 `json:"NanoCpus,omitempty"`
	Memory     int64 `json:"Memory,omitempty"`
}

type createRequest struct {
	Image        string            `json:"Image"`
	Cmd          []string          `json:"Cmd"`
	Env          []string          `json:"Env"`
	Tty          bool              `json:"Tty"`
	OpenStdin    bool              `json:"OpenStdin"`
	AttachStdin  bool              `json:"AttachStdin"`
	AttachStdout bool              `json:"AttachStdout"`
	AttachStderr bool              `json:"AttachStderr"`
	Labels       map[string]string `json:"Labels"`
	HostConfig   hostConfig        `json:"HostConfig"`
}

type idResponse struct {
	ID string `json:"Id"`
}

type containerSummary struct {
	ID      string            `json:"Id"`
	Image   string            `json:"Image"`
	Created int64             `json:"Created"`
	Labels  map[string]string `json:"Labels"`
}

// Launch implements runtime.Runtime.
func (r *Runtime) Launch(ctx context.Context, script catalog.Script, runID string) (runtime.Container, error) {
	nano, err := script.NanoCPUs()
	if err != nil {
		return runtime.Container{}, err
	}
	mem, err := script.MemBytes()
	if err != nil {
		return runtime.Container{}, err
	}

	if err := r.ensureImage(ctx, script.Image); err != nil {
		return runtime.Container{}, fmt.Errorf("pull %s: %w", script.Image, err)
	}

	req := createRequest{
		Image:        script.Image,
		Cmd:          script.Cmd,
		Env:          envList(runtime.LaunchEnv(script, runID, runtime.ContainerOutputDir)),
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       runtime.Labels(script, runID),
		HostConfig: hostConfig{
			AutoRemove: true,
			NanoCPUs:   nano,
			Memory:     mem,
		},
	}

	var created idResponse
	resp, err := r.api.R().SetContext(ctx).SetBody(req).SetResult(&created).Post("/containers/create")
	if err := check(resp, err, http.StatusCreated); err != nil {
		return runtime.Container{}, fmt.Errorf("create container: %w", err)
	}

	resp, err = r.api.R().SetContext(ctx).Post("/containers/" + created.ID + "/start")
	if err := check(resp, err, http.StatusNoContent, http.StatusNotModified); err != nil {
		_ = r.Remove(context.WithoutCancel(ctx), created.ID)
		return runtime.Container{}, fmt.Errorf("start container: %w", err)
	}

	r.logger.Info("Container started",
		zap.String("container_id", created.ID),
		zap.String("script_id", script.ID),
		zap.String("run_id", runID),
		zap.String("image", script.Image))

	return runtime.Container{ID: created.ID, RunID: runID, ScriptID: script.ID, Image: script.Image}, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ensureImage pulls image unless the engine already has it.
func (r *Runtime) ensureImage(ctx context.Context, image string) error {
	resp, err := r.api.R().SetContext(ctx).Get("/images/" + image + "/json")
	if err == nil && resp.StatusCode() == http.StatusOK {
		return nil
	}
	if err := check(resp, err, http.StatusOK); !errors.Is(err, runtime.ErrNotFound) {
		return err
	}

	from, tag := splitReference(image)
	r.logger.Info("Pulling image", zap.String("image", image))

	req := r.stream.R().SetContext(ctx).SetDoNotParseResponse(true).SetQueryParam("fromImage", from)
	if tag != "" {
		req.SetQueryParam("tag", tag)
	}
	resp, err = req.Post("/images/create")
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
		return apiError(resp.StatusCode(), data)
	}

	// Progress messages stream until the pull ends; failures arrive inline.
	dec := json.NewDecoder(body)
	for {
		var msg struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if msg.Error != "" {
			return &APIError{Status: http.StatusInternalServerError, Message: msg.Error}
		}
	}
}

// splitReference separates the tag from an image reference. Digests stay
// in the name.
func splitReference(image string) (name, tag string) {
	if strings.Contains(image, "@") {
		return image, ""
	}
	slash := strings.LastIndex(image, "/")
	colon := strings.LastIndex(image, ":")
	if colon > slash {
		return image[:colon], image[colon+1:]
	}
	return image, "latest"
}

// Stop implements runtime.Runtime.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	resp, err := r.api.R().SetContext(ctx).
		SetQueryParam("t", strconv.Itoa(int(runtime.StopTimeout.Seconds()))).
		Post("/containers/" + containerID + "/stop")
	return ignoreMissing(check(resp, err, http.StatusNoContent, http.StatusNotModified))
}

// Remove implements runtime.Runtime. Auto-removed containers may already
// be gone or mid-removal; both are fine.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	resp, err := r.api.R().SetContext(ctx).
		SetQueryParam("force", "1").
		Delete("/containers/" + containerID)
	err = ignoreMissing(check(resp, err, http.StatusNoContent))
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return nil
	}
	return err
}

// findRun returns the newest container labelled with runID.
func (r *Runtime) findRun(ctx context.Context, runID string) (containerSummary, error) {
	filters, err := json.Marshal(map[string][]string{
		"label": {runtime.LabelRunID + "=" + runID},
	})
	if err != nil {
		return containerSummary{}, err
	}

	var list []containerSummary
	resp, err := r.api.R().SetContext(ctx).
		SetQueryParam("all", "1").
		SetQueryParam("filters", string(filters)).
		SetResult(&list).
		Get("/containers/json")
	if err := check(resp, err, http.StatusOK); err != nil {
		return containerSummary{}, err
	}
	if len(list) == 0 {
		return containerSummary{}, runtime.ErrNotFound
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Created > list[j].Created })
	return list[0], nil
}
