package cmd

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/suggest"
)

// entityTypeValue is a pflag.Value accepting project, message or attachment
// (singular or plural).
type entityTypeValue models.EntityType

var _ pflag.Value = (*entityTypeValue)(nil)

func (v *entityTypeValue) String() string { return string(*v) }

func (v *entityTypeValue) Set(s string) error {
	t, err := models.ParseEntityType(s)
	if err != nil {
		names := make([]string, len(models.EntityTypes))
		for i, et := range models.EntityTypes {
			names[i] = string(et)
		}
		if hint := suggest.Hint(s, names); hint != "" {
			return fmt.Errorf("%w%s", err, hint)
		}
		return err
	}
	*v = entityTypeValue(t)
	return nil
}

func (v *entityTypeValue) Type() string { return "entity-type" }

// EntityType returns the parsed type, empty when the flag was not set.
func (v *entityTypeValue) EntityType() models.EntityType { return models.EntityType(*v) }

// addEntityTypeFlag registers v as --type/-t on fs.
func addEntityTypeFlag(fs *pflag.FlagSet, v *entityTypeValue, usage string) {
	fs.VarP(v, "type", "t", usage)
}
