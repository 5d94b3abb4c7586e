package luffybot

import (
	"errors"
	"fmt"
	"time"
)

// Flag-gated admission rejections.
var (
	ErrKillSwitchActive  = errors.New("kill switch active")
	ErrMaintenanceActive = errors.New("maintenance mode active")
	ErrPublicDisabled    = errors.New("public start disabled")
	ErrChannelNotAllowed = errors.New("channel not allowed for public starts")
	ErrNoBackup          = errors.New("no backup available")
)

type ErrUnknownScript struct {
	Key string
}

func (e *ErrUnknownScript) Error() string {
	return fmt.Sprintf("unknown script: %s", e.Key)
}

type ErrAlreadyActive struct {
	Key string
}

func (e *ErrAlreadyActive) Error() string {
	return fmt.Sprintf("script %s already running or queued", e.Key)
}

type ErrParallelLimit struct {
	Limit int
}

func (e *ErrParallelLimit) Error() string {
	return fmt.Sprintf("parallel run limit reached (%d)", e.Limit)
}

type ErrCooldown struct {
	Remain time.Duration
}

func (e *ErrCooldown) Error() string {
	return fmt.Sprintf("cooldown active, retry in %ds", int(e.Remain.Seconds()))
}

type ErrSpawn struct {
	Key string
	Err error
}

func (e *ErrSpawn) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Key, e.Err)
}

func (e *ErrSpawn) Unwrap() error { return e.Err }
