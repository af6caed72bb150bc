package worker

import (
	"bytes"
	"fmt"
	"text/template"
)

// Build context file names.
const (
	moduleScriptFile       = "script.py"
	moduleRequirementsFile = "requirements.txt"
	instanceScriptFile     = "predict.py"
)

var moduleDockerfile = template.Must(template.New("module").Parse(`FROM {{.BaseImage}}
WORKDIR /app
COPY requirements.txt /app/requirements.txt
RUN pip install --no-cache-dir -r /app/requirements.txt
COPY script.py /app/script.py
CMD ["python", "/app/script.py"]
`))

var instanceDockerfile = template.Must(template.New("instance").Parse(`FROM {{.ModuleImage}}
WORKDIR /app
COPY predict.py /app/predict.py
{{- range $k, $v := .Env}}
ENV {{$k}}={{$v}}
{{- end}}
CMD ["python", "/app/predict.py"]
`))

func renderModuleDockerfile(baseImage string) (string, error) {
	return render(moduleDockerfile, struct{ BaseImage string }{baseImage})
}

func renderInstanceDockerfile(moduleImage string, env map[string]string) (string, error) {
	return render(instanceDockerfile, struct {
		ModuleImage string
		Env         map[string]string
	}{moduleImage, env})
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s Dockerfile: %w", t.Name(), err)
	}
	return buf.String(), nil
}
