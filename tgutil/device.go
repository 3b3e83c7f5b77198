package tgutil

import (
	"runtime"

	"github.com/gotd/td/telegram"

	"github.com/pouyad/tgdup/constant"
)

//nolint:exhaustruct
var Device = telegram.DeviceConfig{
	DeviceModel:    "tgdup",
	SystemVersion:  runtime.GOOS,
	AppVersion:     constant.Version,
	SystemLangCode: "en",
	LangCode:       "en",
}
