package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Rajchodisetti/signal-trader/internal/config"
	"github.com/Rajchodisetti/signal-trader/internal/decision"
)

func TestStartupOptions(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		killCfg   bool
		clearFlag bool
		want      decision.Startup
	}{
		{name: "nothing set", want: decision.Startup{Operator: "ops"}},
		{name: "flag clears", clearFlag: true, want: decision.Startup{ClearKillSwitch: true, Operator: "ops"}},
		{name: "env clears", env: "true", want: decision.Startup{ClearKillSwitch: true, Operator: "ops"}},
		{name: "env false leaves flag", env: "false", clearFlag: true, want: decision.Startup{ClearKillSwitch: true, Operator: "ops"}},
		{name: "garbage env ignored", env: "yes please", want: decision.Startup{Operator: "ops"}},
		{name: "config engages", killCfg: true, env: "1", want: decision.Startup{EngageKillSwitch: true, ClearKillSwitch: true, Operator: "ops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CLEAR_KILL_SWITCH", tt.env)
			got := startupOptions(config.Root{KillSwitch: tt.killCfg}, tt.clearFlag, "ops")
			assert.Equal(t, tt.want, got)
		})
	}
}
