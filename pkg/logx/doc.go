// Package logx is a thin structured-logging facade over zerolog.
//
// It exists so components depend on a small stable API (Logger + Field
// helpers) while sink configuration (console/file, levels) stays
// hot-swappable behind Service.Apply.
package logx
