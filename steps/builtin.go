package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/sankem/flowtx/engine"
	"github.com/sankem/flowtx/model"
)

// Builtin step types available in every deployment: echo completes with its
// input, delay sleeps once before completing, wait parks on a named switch
// and completes with its value. Application step types register alongside
// them through Engine.RegisterStepHandler.
const STEP_TYPE_ECHO = "echo"
const STEP_TYPE_DELAY = "delay"
const STEP_TYPE_WAIT = "wait"

func RegisterBuiltin(e *engine.Engine) error {
	builtins := map[string]engine.StepHandler{
		STEP_TYPE_ECHO:  Echo,
		STEP_TYPE_DELAY: Delay,
		STEP_TYPE_WAIT:  WaitSwitch,
	}
	for name, handler := range builtins {
		if err := e.RegisterStepHandler(name, handler); err != nil {
			return err
		}
	}
	return nil
}

func Echo(ctx context.Context, sc *engine.StepContext) error {
	return sc.Complete(ctx, model.STATUS_SUCCESS, sc.Input())
}

// Delay sleeps for delaySeconds on first delivery and completes on the
// redelivery after the wakeup.
func Delay(ctx context.Context, sc *engine.StepContext) error {
	if sc.Attempt() > 0 {
		return sc.Complete(ctx, model.STATUS_SUCCESS, sc.Input())
	}
	seconds := inputInt(sc.Input()["delaySeconds"])
	if seconds <= 0 {
		seconds = 1
	}
	return sc.Sleep(ctx, time.Duration(seconds)*time.Second)
}

// WaitSwitch reads the switch named in the input; if it was never set it
// parks until an external write changes it, otherwise it completes with the
// value. An optional timeoutSeconds bounds the wait.
func WaitSwitch(ctx context.Context, sc *engine.StepContext) error {
	name, _ := sc.Input()["switch"].(string)
	if name == "" {
		return fmt.Errorf("wait step requires a switch name in input")
	}
	value, set, err := sc.GetSwitch(ctx, name)
	if err != nil {
		return err
	}
	if set {
		return sc.Complete(ctx, model.STATUS_SUCCESS, map[string]any{"switch": name, "value": value})
	}
	timeout := time.Duration(inputInt(sc.Input()["timeoutSeconds"])) * time.Second
	return sc.WaitOnSwitch(ctx, name, timeout)
}

func inputInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
