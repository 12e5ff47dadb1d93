package ford

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// 区域相关错误
var (
	ErrUnknownRegion = errors.New("unknown region")
)

// Region 区域配置 (不可变)
type Region struct {
	Code        string `json:"code"`
	AppID       string `json:"app_id"`
	Locale      string `json:"locale"`
	LocaleURL   string `json:"locale_url"`
	CountryCode string `json:"country_code"`
	// Working 为 false 的区域只是占位，登录流程尚不可用
	Working bool `json:"working"`
}

const (
	appIDEurope   = "667D773E-1BDC-4139-8AD0-2B16474E8DC7"
	appIDAmericas = "BFE8C5ED-D687-4C19-A5DD-F92CDFC4503A"
)

var regions = map[string]Region{
	"fra":            {Code: "fra", AppID: appIDEurope, Locale: "fr-FR", LocaleURL: "https://login.ford.fr", CountryCode: "FRA", Working: true},
	"deu":            {Code: "deu", AppID: appIDEurope, Locale: "de-DE", LocaleURL: "https://login.ford.de", CountryCode: "DEU", Working: true},
	"ita":            {Code: "ita", AppID: appIDEurope, Locale: "it-IT", LocaleURL: "https://login.ford.it", CountryCode: "ITA", Working: true},
	"nld":            {Code: "nld", AppID: appIDEurope, Locale: "nl-NL", LocaleURL: "https://login.ford.nl", CountryCode: "NLD", Working: true},
	"esp":            {Code: "esp", AppID: appIDEurope, Locale: "es-ES", LocaleURL: "https://login.ford.es", CountryCode: "ESP", Working: true},
	"gbr":            {Code: "gbr", AppID: appIDEurope, Locale: "en-GB", LocaleURL: "https://login.ford.co.uk", CountryCode: "GBR", Working: true},
	"rest_of_europe": {Code: "rest_of_europe", AppID: appIDEurope, Locale: "en-GB", LocaleURL: "https://login.ford.co.uk", CountryCode: "GBR", Working: true},
	"can":            {Code: "can", AppID: appIDAmericas, Locale: "en-CA", LocaleURL: "https://login.ford.com", CountryCode: "CAN", Working: true},
	"mex":            {Code: "mex", AppID: appIDAmericas, Locale: "es-MX", LocaleURL: "https://login.ford.com", CountryCode: "MEX", Working: true},
	"usa":            {Code: "usa", AppID: appIDAmericas, Locale: "en-US", LocaleURL: "https://login.ford.com", CountryCode: "USA", Working: true},
	"rest_of_world":  {Code: "rest_of_world", AppID: appIDAmericas, Locale: "en-US", LocaleURL: "https://login.ford.com", CountryCode: "USA", Working: true},

	// 占位区域
	"bra": {Code: "bra", AppID: appIDAmericas, Locale: "pt-BR", LocaleURL: "https://login.ford.com", CountryCode: "BRA"},
	"arg": {Code: "arg", AppID: appIDAmericas, Locale: "es-AR", LocaleURL: "https://login.ford.com", CountryCode: "ARG"},
	"aus": {Code: "aus", AppID: appIDAmericas, Locale: "en-AU", LocaleURL: "https://login.ford.com", CountryCode: "AUS"},
	"nzl": {Code: "nzl", AppID: appIDAmericas, Locale: "en-NZ", LocaleURL: "https://login.ford.com", CountryCode: "NZL"},
}

// legacyRegions 旧版配置键 -> 新区域，app_id 保持一致以维持服务端会话连续性
var legacyRegions = map[string]string{
	"USA":         "usa",
	"Canada":      "can",
	"Australia":   "aus",
	"UK&Europe":   "rest_of_europe",
	"Netherlands": "nld",
}

func init() {
	for code, r := range regions {
		if _, err := uuid.Parse(r.AppID); err != nil {
			panic(fmt.Sprintf("region %s: invalid app id %q: %v", code, r.AppID, err))
		}
	}
}

// LookupRegion 根据区域代码（或旧版键）查找区域配置
func LookupRegion(key string) (Region, error) {
	if code, ok := legacyRegions[key]; ok {
		key = code
	}
	r, ok := regions[key]
	if !ok {
		return Region{}, fmt.Errorf("%w: %q", ErrUnknownRegion, key)
	}
	return r, nil
}

// RegionCodes 返回所有区域代码（已排序）
func RegionCodes() []string {
	codes := make([]string, 0, len(regions))
	for code := range regions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
