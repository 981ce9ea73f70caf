package agent

import (
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/sensorlink/internal/types"
)

// FileSource samples one numeric value from a file, sysfs style:
// /sys/class/thermal/thermal_zone0/temp with Scale=0.001 yields celsius.
type FileSource struct {
	Name  string
	Path  string
	Scale float64
}

func (fs FileSource) Read() (types.Reading, error) {
	b, err := ioutil.ReadFile(fs.Path)
	if err != nil {
		return types.Reading{}, errors.Annotatef(err, "source path=%s", fs.Path)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return types.Reading{}, errors.Annotatef(err, "source parse path=%s value=%q", fs.Path, b)
	}
	scale := fs.Scale
	if scale == 0 {
		scale = 1
	}
	return types.Reading{SensorType: fs.Name, Value: v * scale}, nil
}
