package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tundradb/tundra-go/pkg/transport"
)

// maxSessionParameters bounds the dynamic (unrecognized) parameter map.
// Exceeding it is a hard failure at insertion time.
const maxSessionParameters = 1000

// PropertyKey names a recognized connection property.
type PropertyKey string

const (
	PropServerURL                 PropertyKey = "serverURL"
	PropAccount                   PropertyKey = "account"
	PropUser                      PropertyKey = "user"
	PropPassword                  PropertyKey = "password"
	PropDatabase                  PropertyKey = "database"
	PropSchema                    PropertyKey = "schema"
	PropWarehouse                 PropertyKey = "warehouse"
	PropRole                      PropertyKey = "role"
	PropAuthenticator             PropertyKey = "authenticator"
	PropOktaUserName              PropertyKey = "oktaUserName"
	PropToken                     PropertyKey = "token"
	PropPasscode                  PropertyKey = "passcode"
	PropPasscodeInPassword        PropertyKey = "passcodeInPassword"
	PropLoginTimeout              PropertyKey = "loginTimeout"
	PropNetworkTimeout            PropertyKey = "networkTimeout"
	PropInjectSocketTimeout       PropertyKey = "injectSocketTimeout"
	PropInjectClientPause         PropertyKey = "injectClientPause"
	PropTracing                   PropertyKey = "tracing"
	PropDisableSocksProxy         PropertyKey = "disableSocksProxy"
	PropValidateDefaultParameters PropertyKey = "validateDefaultParameters"
	PropPrivateKeyFile            PropertyKey = "privateKeyFile"
	PropPrivateKeyFilePassword    PropertyKey = "privateKeyFilePwd"
	PropUseProxy                  PropertyKey = "useProxy"
	PropProxyHost                 PropertyKey = "proxyHost"
	PropProxyPort                 PropertyKey = "proxyPort"
	PropApplication               PropertyKey = "application"
	PropAppID                     PropertyKey = "appId"
	PropAppVersion                PropertyKey = "appVersion"
)

type propertyType int

const (
	propString propertyType = iota
	propInt
	propBool
)

type propertySpec struct {
	typ      propertyType
	required bool
}

var propertyRegistry = map[PropertyKey]propertySpec{
	PropServerURL:                 {typ: propString, required: true},
	PropAccount:                   {typ: propString, required: true},
	PropUser:                      {typ: propString},
	PropPassword:                  {typ: propString},
	PropDatabase:                  {typ: propString},
	PropSchema:                    {typ: propString},
	PropWarehouse:                 {typ: propString},
	PropRole:                      {typ: propString},
	PropAuthenticator:             {typ: propString},
	PropOktaUserName:              {typ: propString},
	PropToken:                     {typ: propString},
	PropPasscode:                  {typ: propString},
	PropPasscodeInPassword:        {typ: propBool},
	PropLoginTimeout:              {typ: propInt},
	PropNetworkTimeout:            {typ: propInt},
	PropInjectSocketTimeout:       {typ: propInt},
	PropInjectClientPause:         {typ: propInt},
	PropTracing:                   {typ: propString},
	PropDisableSocksProxy:         {typ: propBool},
	PropValidateDefaultParameters: {typ: propBool},
	PropPrivateKeyFile:            {typ: propString},
	PropPrivateKeyFilePassword:    {typ: propString},
	PropUseProxy:                  {typ: propBool},
	PropProxyHost:                 {typ: propString},
	PropProxyPort:                 {typ: propInt},
	PropApplication:               {typ: propString},
	PropAppID:                     {typ: propString},
	PropAppVersion:                {typ: propString},
}

// lookupProperty resolves a property name case-insensitively against the
// registry.
func lookupProperty(name string) (PropertyKey, propertySpec, bool) {
	for key, spec := range propertyRegistry {
		if strings.EqualFold(string(key), name) {
			return key, spec, true
		}
	}
	return "", propertySpec{}, false
}

// SetProperty validates and stores a connection property. Recognized keys
// are coerced to their registered type and may take immediate effect on the
// session; unrecognized keys become dynamic session parameters, bounded at
// maxSessionParameters entries. A property of either kind may be set at most
// once; re-setting one fails with ErrCodeDuplicateProperty.
func (s *Session) SetProperty(name string, value any) error {
	key, spec, ok := lookupProperty(name)
	if !ok {
		if _, exists := s.params[name]; exists {
			return newError(ErrCodeDuplicateProperty, "connection property %q specified more than once", name)
		}
		if len(s.params) >= maxSessionParameters {
			return newError(ErrCodeTooManyProperties, "too many session parameters, maximum is %d", maxSessionParameters)
		}
		s.params[name] = value
		return nil
	}

	if _, exists := s.properties[key]; exists {
		return newError(ErrCodeDuplicateProperty, "connection property %q specified more than once", name)
	}

	coerced, err := coerceValue(spec.typ, value)
	if err != nil {
		return wrapError(ErrCodeInvalidPropertyType, err, "invalid value for connection property %q", name)
	}

	// store only once the runtime effect is applied, so a rejected value
	// can be retried without tripping the duplicate check
	if err := s.applyProperty(key, coerced); err != nil {
		return err
	}
	s.properties[key] = coerced

	return nil
}

// applyProperty applies the immediate runtime effect of properties that have
// one.
func (s *Session) applyProperty(key PropertyKey, value any) error {
	switch key {
	case PropLoginTimeout:
		s.loginTimeout = time.Duration(value.(int)) * time.Second
	case PropNetworkTimeout:
		s.networkTimeout = time.Duration(value.(int)) * time.Millisecond
	case PropInjectSocketTimeout:
		s.injectSocketTimeout = time.Duration(value.(int)) * time.Millisecond
	case PropInjectClientPause:
		s.injectClientPause.Store(int64(value.(int)))
	case PropPasscodeInPassword:
		s.passcodeInPassword = value.(bool)
	case PropTracing:
		level, err := zerolog.ParseLevel(strings.ToLower(value.(string)))
		if err != nil {
			return wrapError(ErrCodeInvalidPropertyType, err, "invalid tracing level %q", value)
		}
		s.tracingLevel = level
		// like disableSocksProxy, the tracing level is process-wide
		zerolog.SetGlobalLevel(level)
	case PropDisableSocksProxy:
		// affects every session in the process
		transport.SetSocksProxyDisabled(value.(bool))
	case PropValidateDefaultParameters:
		s.validateDefaultParameters = value.(bool)
	case PropPrivateKeyFile:
		s.privateKeyFile = value.(string)
	case PropPrivateKeyFilePassword:
		s.privateKeyFilePassword = value.(string)
	}
	return nil
}

// ContainsParameter reports whether a dynamic session parameter is set.
func (s *Session) ContainsParameter(name string) bool {
	_, ok := s.params[name]
	return ok
}

// coerceValue converts value to the property's registered type, accepting
// string forms of ints and bools.
func coerceValue(typ propertyType, value any) (any, error) {
	switch typ {
	case propString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case propInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int32:
			return int(v), nil
		case int64:
			return int(v), nil
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, err
			}
			return n, nil
		}
	case propBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.ToLower(v))
			if err != nil {
				return nil, err
			}
			return b, nil
		}
	}
	log.Debug().Interface("value", value).Msg("unexpected connection property value type")
	return nil, fmt.Errorf("unexpected value of type %T", value)
}
