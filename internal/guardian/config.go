package guardian

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Target is the portion of the supervised process configuration that must be
// complete before a start is attempted.
type Target struct {
	Command   string `json:"command" validate:"required"`
	Workdir   string `json:"workdir" validate:"required,dir"`
	HealthURL string `json:"health_url" validate:"omitempty,url"`
	Port      int    `json:"port" validate:"gte=0,lte=65535"`
}

var validate = validator.New()

func checkConfig(in Input, requiredEnv []string) Check {
	var problems []string
	if err := validate.Struct(in.Target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}
	var missing []string
	for _, k := range requiredEnv {
		if strings.TrimSpace(in.Env[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		problems = append(problems, "missing env: "+strings.Join(missing, ", "))
	}
	if len(problems) > 0 {
		return Check{
			Name:        CheckConfig,
			Status:      StatusFailed,
			Detail:      strings.Join(problems, "; "),
			Remediation: "complete the target configuration and environment before restarting",
		}
	}
	return Check{Name: CheckConfig, Status: StatusOK, Detail: "configuration complete"}
}

func checkRuntimeDirs(workdir string, dirs []string) Check {
	var created []string
	for _, d := range dirs {
		p := d
		if !filepath.IsAbs(p) {
			p = filepath.Join(workdir, d)
		}
		if st, err := os.Stat(p); err == nil {
			if !st.IsDir() {
				return Check{Name: CheckRuntimeDirs, Status: StatusFailed, Detail: p + " exists and is not a directory", Paths: []string{d}}
			}
			continue
		}
		if err := os.MkdirAll(p, 0o750); err != nil {
			return Check{
				Name:        CheckRuntimeDirs,
				Status:      StatusFailed,
				Detail:      fmt.Sprintf("create %s: %v", p, err),
				Remediation: "check permissions on " + filepath.Dir(p),
				Paths:       []string{d},
			}
		}
		created = append(created, d)
	}
	if len(created) > 0 {
		return Check{Name: CheckRuntimeDirs, Status: StatusAutoFixed, Detail: "created " + strings.Join(created, ", ")}
	}
	return Check{Name: CheckRuntimeDirs, Status: StatusOK, Detail: "runtime directories present"}
}
