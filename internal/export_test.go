package internal

var TestLogLevel = testLogLevel
