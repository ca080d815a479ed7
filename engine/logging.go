package engine

import "github.com/sirupsen/logrus"

// Log is the package-level logger. Tests may swap it for a logger with a
// captured/discarded output; callers embedding the engine in a larger
// service may swap it for a logger carrying their own fields/hooks.
var Log logrus.FieldLogger = logrus.StandardLogger()
