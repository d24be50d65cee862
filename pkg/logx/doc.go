// Package logx is breathr's logging layer on top of zerolog.
//
// Console output is human readable, the optional log file is JSON lines,
// and WARN+ records can be forwarded to an operator chat. Known secrets
// are scrubbed before any sink sees a record.
package logx
