// Package repository 定义仓库的能力接口（retrieve/store/delete/list）以及本地仓库实现。
//
// 三种仓库通过组合而非继承协作：
//  1. Local 直接持有共享的 blobstore.Store 与 pathlock.Manager；
//  2. proxy 包以 Local 作为缓存并在未命中时回源；
//  3. group 包按成员 ID 借用其他仓库，并把聚合文件写入自身的 Local。
//
// 所有变更操作在触碰 Blob Store 之前都必须持有对应路径的写锁。
package repository
