// Package jardiff applies and produces incremental JAR patches.
//
// A patch is itself a zip archive. Its META-INF/INDEX.JD entry starts with
// the line "version 1.0" and lists "remove <name>" and "move <old> <new>"
// directives; a space inside a name is escaped as "\ ". Every other entry in
// the patch is new or replaced content.
package jardiff
