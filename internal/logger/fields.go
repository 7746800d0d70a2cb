package logger

import "go.uber.org/zap"

func Profile(id string) zap.Field { return zap.String("profile_id", id) }

func Task(name string) zap.Field { return zap.String("task", name) }

func Op(name string) zap.Field { return zap.String("op", name) }

func Actor(name string) zap.Field { return zap.String("actor", name) }

func App(id string) zap.Field { return zap.String("app_id", id) }

// Err is zap.Error under a shorter name so call sites read uniformly.
func Err(err error) zap.Field { return zap.Error(err) }
