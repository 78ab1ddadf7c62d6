package service

import (
	"time"

	"github.com/target/mmk-fanout/internal/core"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func clockOrDefault(c core.Clock) core.Clock {
	if c == nil {
		return systemClock{}
	}
	return c
}
