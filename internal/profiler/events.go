package profiler

import "github.com/yairfalse/runtap/pkg/domain"

func (p *Profiler) ThreadCreated(tid, threadID uint64) error {
	return p.Emit(tid, domain.ThreadCreateArgs{ThreadID: threadID})
}

func (p *Profiler) ThreadRenamed(tid, threadID uint64, name string) error {
	return p.Emit(tid, domain.ThreadRenameArgs{ThreadID: threadID, Name: name})
}

func (p *Profiler) ThreadDestroyed(tid, threadID uint64) error {
	return p.Emit(tid, domain.ThreadDestroyArgs{ThreadID: threadID})
}

func (p *Profiler) AssemblyLoaded(tid, assemblyID uint64, name string) error {
	return p.Emit(tid, domain.AssemblyLoadArgs{AssemblyID: assemblyID, Name: name})
}

func (p *Profiler) ModuleLoaded(tid, moduleID, assemblyID uint64, path string) error {
	return p.Emit(tid, domain.ModuleLoadArgs{ModuleID: moduleID, AssemblyID: assemblyID, Path: path})
}

func (p *Profiler) TypeLoaded(tid, moduleID uint64, typeToken uint32) error {
	return p.Emit(tid, domain.TypeLoadArgs{ModuleID: moduleID, TypeToken: typeToken})
}

func (p *Profiler) JITCompiled(tid, moduleID uint64, typeToken, methodToken uint32) error {
	return p.Emit(tid, domain.JITCompilationArgs{ModuleID: moduleID, TypeToken: typeToken, MethodToken: methodToken})
}

// Metadata injections are reported by the rewriting collaborator so the
// analysis side can resolve tokens it did not see in the original metadata.

func (p *Profiler) AssemblyReferenceInjected(tid, targetAssemblyID, assemblyID uint64) error {
	return p.Emit(tid, domain.AssemblyReferenceInjectionArgs{TargetAssemblyID: targetAssemblyID, AssemblyID: assemblyID})
}

func (p *Profiler) TypeDefinitionInjected(tid, moduleID uint64, typeToken uint32, name string) error {
	return p.Emit(tid, domain.TypeDefinitionInjectionArgs{ModuleID: moduleID, TypeToken: typeToken, Name: name})
}

func (p *Profiler) TypeReferenceInjected(tid, targetModuleID, fromModuleID uint64, typeToken uint32) error {
	return p.Emit(tid, domain.TypeReferenceInjectionArgs{
		TargetModuleID: targetModuleID,
		FromModuleID:   fromModuleID,
		TypeToken:      typeToken,
	})
}

func (p *Profiler) MethodDefinitionInjected(tid, moduleID uint64, typeToken, methodToken uint32, name string) error {
	return p.Emit(tid, domain.MethodDefinitionInjectionArgs{
		ModuleID:    moduleID,
		TypeToken:   typeToken,
		MethodToken: methodToken,
		Name:        name,
	})
}

func (p *Profiler) MethodWrapperInjected(tid, moduleID uint64, typeToken, wrappedToken, wrapperToken uint32, wrapperName string) error {
	return p.Emit(tid, domain.MethodWrapperInjectionArgs{
		ModuleID:           moduleID,
		TypeToken:          typeToken,
		WrappedMethodToken: wrappedToken,
		WrapperMethodToken: wrapperToken,
		WrapperMethodName:  wrapperName,
	})
}

func (p *Profiler) MethodReferenceInjected(tid, targetModuleID uint64, fullName string) error {
	return p.Emit(tid, domain.MethodReferenceInjectionArgs{TargetModuleID: targetModuleID, FullName: fullName})
}

func (p *Profiler) MethodBodyRewritten(tid, moduleID uint64, methodToken uint32) error {
	return p.Emit(tid, domain.MethodBodyRewriteArgs{ModuleID: moduleID, MethodToken: methodToken})
}
