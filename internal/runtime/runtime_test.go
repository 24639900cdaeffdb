package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/n3cloud/webterm/internal/catalog"
)

func TestExecCommand(t *testing.T) {
	assert.Equal(t, []string{"/bin/sh"}, ExecCommand(""))
	assert.Equal(t, []string{"/bin/sh", "-lc", "python main.py"}, ExecCommand("python main.py"))
}

func TestLaunchEnvOverridesScript(t *testing.T) {
	script := catalog.Script{ID: "py1", Env: catalog.Env{"A": "1", "RUN_ID": "spoofed"}}
	env := LaunchEnv(script, "r1", ContainerOutputDir)
	assert.Equal(t, map[string]string{"A": "1", "RUN_ID": "r1", "OUTPUT_DIR": "/app/out"}, env)
	assert.Equal(t, "spoofed", script.Env["RUN_ID"])
}

func TestLabels(t *testing.T) {
	labels := Labels(catalog.Script{ID: "py1"}, "r1")
	assert.Equal(t, "py1", labels[LabelScriptID])
	assert.Equal(t, "r1", labels[LabelRunID])
	assert.Equal(t, AppLabelValue, labels[LabelApp])
}
